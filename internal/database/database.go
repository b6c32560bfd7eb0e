package database

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/web3guy0/sentinel/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// LEDGER - Audit and position persistence
// ═══════════════════════════════════════════════════════════════════════════════
//
// Three tables matter for audit: exit_attempts and position_exits are
// append-only (answering "why didn't this fill"), positions is the ledger of
// monitored state. daily_stats aggregates for reporting.
//
// ═══════════════════════════════════════════════════════════════════════════════

type Database struct {
	db *gorm.DB
}

// Models

type PositionRow struct {
	ID            string `gorm:"primaryKey"`
	Market        string `gorm:"index"`
	TokenID       string
	Asset         string
	Side          string
	OriginalQty   decimal.Decimal `gorm:"type:decimal(20,6)"`
	RemainingQty  decimal.Decimal `gorm:"type:decimal(20,6)"`
	EntryPrice    decimal.Decimal `gorm:"type:decimal(10,6)"`
	CurrentPrice  decimal.Decimal `gorm:"type:decimal(10,6)"`
	PnL           decimal.Decimal `gorm:"type:decimal(20,6)"`
	PnLPct        decimal.Decimal `gorm:"type:decimal(10,6)"`
	Status        string          `gorm:"index"`
	ExitReason    string
	EntryTime     time.Time
	ExpiryTime    time.Time
	EstimatedProb decimal.Decimal `gorm:"type:decimal(10,6)"`

	// Trailing stop sub-record, flattened with a schema version so loads
	// from an incompatible build are detected instead of silently trusted
	TrailingSchema  int
	TrailingEnabled bool
	TrailingState   string
	TrailingStop    decimal.Decimal `gorm:"type:decimal(10,6)"`
	TrailingHigh    decimal.Decimal `gorm:"type:decimal(10,6)"`
	TrailingDist    decimal.Decimal `gorm:"type:decimal(10,6)"`

	StageOneDone bool
	StageTwoDone bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (PositionRow) TableName() string { return "positions" }

type ExitAttemptRow struct {
	ID          string `gorm:"primaryKey"`
	PositionID  string `gorm:"index"`
	Condition   string
	OrderType   string
	LimitPrice  decimal.Decimal `gorm:"type:decimal(10,6)"`
	TimeoutMs   int64
	Step        int
	Outcome     string
	FilledQty   decimal.Decimal `gorm:"type:decimal(20,6)"`
	SubmittedAt time.Time
	ResolvedAt  time.Time
	CreatedAt   time.Time
}

func (ExitAttemptRow) TableName() string { return "exit_attempts" }

type PositionExitRow struct {
	ID         string `gorm:"primaryKey"`
	PositionID string `gorm:"index"`
	Quantity   decimal.Decimal `gorm:"type:decimal(20,6)"`
	Price      decimal.Decimal `gorm:"type:decimal(10,6)"`
	Condition  string
	Timestamp  time.Time
	CreatedAt  time.Time
}

func (PositionExitRow) TableName() string { return "position_exits" }

type DailyStat struct {
	Date  string `gorm:"primaryKey"` // YYYY-MM-DD
	Exits int
	Wins  int
	Losses int
	PnL   decimal.Decimal `gorm:"type:decimal(20,6)"`
}

// New opens SQLite by default or PostgreSQL when given a postgres:// URL
func New(dbPath string) (*Database, error) {
	var db *gorm.DB
	var err error

	if strings.HasPrefix(dbPath, "postgres://") || strings.HasPrefix(dbPath, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dbPath), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Msg("💾 Ledger connected (PostgreSQL)")
	} else {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
		db, err = gorm.Open(sqlite.Open(dbPath), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", dbPath).Msg("💾 Ledger initialized (SQLite)")
	}

	if err := db.AutoMigrate(&PositionRow{}, &ExitAttemptRow{}, &PositionExitRow{}, &DailyStat{}); err != nil {
		return nil, err
	}

	return &Database{db: db}, nil
}

// Close releases the underlying connection pool
func (d *Database) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ═══════════════════════════════════════════════════════════════════════════════
// POSITION LEDGER
// ═══════════════════════════════════════════════════════════════════════════════

// SavePosition upserts the current monitored state of a position
func (d *Database) SavePosition(p *types.Position) error {
	row := PositionRow{
		ID:            p.ID,
		Market:        p.Market,
		TokenID:       p.TokenID,
		Asset:         p.Asset,
		Side:          p.Side,
		OriginalQty:   p.OriginalQty,
		RemainingQty:  p.RemainingQty,
		EntryPrice:    p.EntryPrice,
		CurrentPrice:  p.CurrentPrice,
		PnL:           p.PnL,
		PnLPct:        p.PnLPct,
		Status:        string(p.Status),
		ExitReason:    string(p.ExitReason),
		EntryTime:     p.EntryTime,
		ExpiryTime:    p.ExpiryTime,
		EstimatedProb: p.EstimatedProb,

		TrailingSchema:  p.Trailing.SchemaVersion,
		TrailingEnabled: p.Trailing.Enabled,
		TrailingState:   string(p.Trailing.State),
		TrailingStop:    p.Trailing.CurrentStop,
		TrailingHigh:    p.Trailing.HighestPrice,
		TrailingDist:    p.Trailing.Distance,

		StageOneDone: p.StageOneDone,
		StageTwoDone: p.StageTwoDone,
	}
	return d.db.Save(&row).Error
}

// LoadOpenPositions restores positions for restart recovery. Rows carrying a
// foreign trailing schema come back with the ratchet disarmed; monitors
// re-initialize it.
func (d *Database) LoadOpenPositions() ([]*types.Position, error) {
	var rows []PositionRow
	err := d.db.
		Where("status NOT IN ?", []string{string(types.StatusClosed)}).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	positions := make([]*types.Position, 0, len(rows))
	for _, r := range rows {
		p := &types.Position{
			ID:            r.ID,
			Market:        r.Market,
			TokenID:       r.TokenID,
			Asset:         r.Asset,
			Side:          r.Side,
			OriginalQty:   r.OriginalQty,
			RemainingQty:  r.RemainingQty,
			EntryPrice:    r.EntryPrice,
			CurrentPrice:  r.CurrentPrice,
			PnL:           r.PnL,
			PnLPct:        r.PnLPct,
			Status:        types.PositionStatus(r.Status),
			ExitReason:    types.ExitCondition(r.ExitReason),
			EntryTime:     r.EntryTime,
			ExpiryTime:    r.ExpiryTime,
			EstimatedProb: r.EstimatedProb,
			StageOneDone:  r.StageOneDone,
			StageTwoDone:  r.StageTwoDone,
		}

		if r.TrailingSchema == types.TrailingStopSchemaVersion {
			p.Trailing = types.TrailingStopState{
				SchemaVersion:   r.TrailingSchema,
				Enabled:         r.TrailingEnabled,
				State:           types.TrailingState(r.TrailingState),
				ActivationPrice: r.EntryPrice,
				Distance:        r.TrailingDist,
				CurrentStop:     r.TrailingStop,
				HighestPrice:    r.TrailingHigh,
			}
		} else if r.TrailingEnabled {
			log.Error().
				Str("position", r.ID).
				Int("schema", r.TrailingSchema).
				Msg("❌ Unknown trailing-stop schema, ratchet left disarmed")
		}

		positions = append(positions, p)
	}
	return positions, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// AUDIT LOG (append-only)
// ═══════════════════════════════════════════════════════════════════════════════

// RecordAttempt appends one order placement try
func (d *Database) RecordAttempt(a types.ExitAttempt) {
	row := ExitAttemptRow{
		ID:          a.ID,
		PositionID:  a.PositionID,
		Condition:   string(a.Condition),
		OrderType:   string(a.OrderType),
		LimitPrice:  a.LimitPrice,
		TimeoutMs:   a.Timeout.Milliseconds(),
		Step:        a.Step,
		Outcome:     string(a.Outcome),
		FilledQty:   a.FilledQty,
		SubmittedAt: a.SubmittedAt,
		ResolvedAt:  a.ResolvedAt,
	}
	if err := d.db.Create(&row).Error; err != nil {
		log.Error().Err(err).Str("attempt", a.ID).Msg("Attempt record write failed")
	}
}

// RecordExit appends one realized exit event
func (d *Database) RecordExit(x types.PositionExit) {
	row := PositionExitRow{
		ID:         x.ID,
		PositionID: x.PositionID,
		Quantity:   x.Quantity,
		Price:      x.Price,
		Condition:  string(x.Condition),
		Timestamp:  x.Timestamp,
	}
	if err := d.db.Create(&row).Error; err != nil {
		log.Error().Err(err).Str("exit", x.ID).Msg("Exit record write failed")
	}
}

// ExitsForPosition returns all realized exits for one position
func (d *Database) ExitsForPosition(positionID string) ([]PositionExitRow, error) {
	var rows []PositionExitRow
	err := d.db.Where("position_id = ?", positionID).Order("timestamp ASC").Find(&rows).Error
	return rows, err
}

// AttemptsForPosition returns the audit trail for one position
func (d *Database) AttemptsForPosition(positionID string) ([]ExitAttemptRow, error) {
	var rows []ExitAttemptRow
	err := d.db.Where("position_id = ?", positionID).Order("submitted_at ASC").Find(&rows).Error
	return rows, err
}

// ═══════════════════════════════════════════════════════════════════════════════
// DAILY STATS
// ═══════════════════════════════════════════════════════════════════════════════

// RecordDailyExit rolls one realized P&L figure into today's stats
func (d *Database) RecordDailyExit(pnl decimal.Decimal) {
	today := time.Now().Format("2006-01-02")

	var stat DailyStat
	if err := d.db.FirstOrCreate(&stat, DailyStat{Date: today}).Error; err != nil {
		log.Error().Err(err).Msg("Daily stat read failed")
		return
	}

	stat.Exits++
	stat.PnL = stat.PnL.Add(pnl)
	if pnl.GreaterThan(decimal.Zero) {
		stat.Wins++
	} else if pnl.LessThan(decimal.Zero) {
		stat.Losses++
	}

	if err := d.db.Save(&stat).Error; err != nil {
		log.Error().Err(err).Msg("Daily stat write failed")
	}
}

// TodayStats returns today's rollup
func (d *Database) TodayStats() (DailyStat, error) {
	today := time.Now().Format("2006-01-02")
	var stat DailyStat
	err := d.db.Where("date = ?", today).First(&stat).Error
	if err != nil {
		return DailyStat{Date: today, PnL: decimal.Zero}, nil
	}
	return stat, nil
}
