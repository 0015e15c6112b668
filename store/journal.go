package store

import (
	"context"
	"time"

	"github.com/jinzhu/gorm"
	_ "github.com/jinzhu/gorm/dialects/mysql"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Snapshot is one row of the performance journal.
type Snapshot struct {
	ID         uint `gorm:"primary_key"`
	Run        uint64
	Symbol     string `gorm:"size:32"`
	Strategy   string `gorm:"size:64"`
	Generation uint64
	Ticks      int64
	Trades     int
	WinRate    float64
	PnL        float64
	Price      float64
	CreatedAt  time.Time
}

func (Snapshot) TableName() string {
	return "performance_snapshots"
}

// Journal writes performance snapshots to MySQL at a fixed interval.
type Journal struct {
	Sugar *zap.SugaredLogger
	db    *gorm.DB
}

// OpenJournal connects to MySQL and creates the snapshot table if needed.
func OpenJournal(uri string, logger *zap.SugaredLogger) (*Journal, error) {
	db, err := gorm.Open("mysql", uri)
	if err != nil {
		return nil, errors.Wrap(err, "connect to MySQL")
	}
	return NewJournal(db, logger)
}

func NewJournal(db *gorm.DB, logger *zap.SugaredLogger) (*Journal, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if !db.HasTable(&Snapshot{}) {
		if err := db.CreateTable(&Snapshot{}).Error; err != nil {
			return nil, errors.Wrap(err, "create snapshot table")
		}
	}
	return &Journal{Sugar: logger, db: db}, nil
}

func (j *Journal) Record(s Snapshot) error {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	return j.db.Create(&s).Error
}

// Recent returns up to limit snapshots, newest first.
func (j *Journal) Recent(limit int) ([]Snapshot, error) {
	var out []Snapshot
	err := j.db.Order("id desc").Limit(limit).Find(&out).Error
	return out, err
}

// Run records source() every interval until ctx is done. Ticks where source
// reports nothing to record are skipped.
func (j *Journal) Run(ctx context.Context, interval time.Duration, source func() (Snapshot, bool)) error {
	if interval <= 0 {
		return errors.New("journal interval must be positive")
	}
	for {
		select {
		case <-ctx.Done():
			j.Sugar.Info("performance journal stopped")
			return nil
		case <-time.After(interval):
			s, ok := source()
			if !ok {
				continue
			}
			if err := j.Record(s); err != nil {
				j.Sugar.Errorf("error when record snapshot: %s", err)
			}
		}
	}
}

func (j *Journal) Close() error {
	return j.db.Close()
}
