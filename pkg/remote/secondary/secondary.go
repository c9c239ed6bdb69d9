// Package secondary is the client of the optional on-premises PostgreSQL
// backend, accessed through GORM over the pgx driver.
package secondary

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/clinicsync/clinicsync/pkg/constants"
	"github.com/clinicsync/clinicsync/pkg/logger"
	"github.com/clinicsync/clinicsync/pkg/models"
	"github.com/clinicsync/clinicsync/pkg/remote"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

const name = "secondary"

// Config locates the on-premises database.
type Config struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Database string `json:"database"`
	User     string `json:"user"`
	Password string `json:"password"`
	SSLMode  string `json:"sslmode,omitempty"`
}

// Address is host:port, used in status descriptions.
func (c Config) Address() string {
	port := c.Port
	if port == 0 {
		port = 5432
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// DSN renders the connection URL understood by both pgx and GORM.
func (c Config) DSN() string {
	sslmode := c.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     c.Address(),
		Path:     "/" + c.Database,
		RawQuery: url.Values{"sslmode": {sslmode}}.Encode(),
	}
	return u.String()
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Host == "" {
		return errors.New("secondary host is required")
	}
	if c.Database == "" {
		return errors.New("secondary database is required")
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("secondary port %d out of range", c.Port)
	}
	return nil
}

// Store is a [remote.Backend] on PostgreSQL.
type Store struct {
	db           *gorm.DB
	address      string
	probeTimeout time.Duration
	log          logger.Logger
}

var _ remote.Backend = (*Store)(nil)

// New builds the connection pool. It does not contact the server, so a
// failure here means the configuration is unusable.
func New(cfg Config, log logger.Logger) (*Store, error) {
	if !cfg.Enabled {
		return nil, constants.ErrNoSecondary
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s, err := Open(cfg.DSN(), log)
	if err != nil {
		return nil, err
	}
	s.address = cfg.Address()
	return s, nil
}

// Open builds a pool from a DSN.
func Open(dsn string, log logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.Nop()
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:               gormlogger.Discard,
		DisableAutomaticPing: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build secondary pool: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to build secondary pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(5)
	sqlDB.SetMaxIdleConns(2)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	sqlDB.SetConnMaxIdleTime(5 * time.Minute)

	return &Store{
		db:           db,
		address:      addressOf(dsn),
		probeTimeout: constants.SecondaryProbeTimeout,
		log:          log,
	}, nil
}

func addressOf(dsn string) string {
	cfg, err := pgconn.ParseConfig(dsn)
	if err != nil {
		return ""
	}
	return net.JoinHostPort(cfg.Host, strconv.Itoa(int(cfg.Port)))
}

func (s *Store) Name() string {
	return name
}

func (s *Store) Address() string {
	return s.address
}

// Probe runs a trivial round-trip.
func (s *Store) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.probeTimeout)
	defer cancel()
	if err := s.db.WithContext(ctx).Exec("SELECT 1").Error; err != nil {
		s.log.Debug("secondary probe failed", "address", s.address, "error", err)
		return classify(err)
	}
	return nil
}

func (s *Store) table(ctx context.Context, spec models.TableSpec) (*gorm.DB, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return s.db.WithContext(ctx).Table(spec.Name), nil
}

func byID(spec models.TableSpec, id string) clause.Eq {
	return clause.Eq{Column: clause.Column{Name: spec.PK()}, Value: id}
}

func (s *Store) List(ctx context.Context, spec models.TableSpec, limit, offset int) ([]models.Record, error) {
	tx, err := s.table(ctx, spec)
	if err != nil {
		return nil, err
	}
	tx = tx.Order(clause.OrderByColumn{Column: clause.Column{Name: spec.PK()}})
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	if offset > 0 {
		tx = tx.Offset(offset)
	}

	var rows []map[string]any
	if err := tx.Find(&rows).Error; err != nil {
		return nil, classify(err)
	}
	return toRecords(rows), nil
}

func (s *Store) Get(ctx context.Context, spec models.TableSpec, id string) (models.Record, error) {
	tx, err := s.table(ctx, spec)
	if err != nil {
		return nil, err
	}
	var rows []map[string]any
	if err := tx.Where(byID(spec, id)).Limit(1).Find(&rows).Error; err != nil {
		return nil, classify(err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: %s/%s", constants.ErrNotFound, spec.Name, id)
	}
	return models.Record(rows[0]), nil
}

func (s *Store) Create(ctx context.Context, spec models.TableSpec, rec models.Record) (models.Record, error) {
	id, ok := rec.ID(spec.PK())
	if !ok {
		return nil, fmt.Errorf("record in %s has no %s", spec.Name, spec.PK())
	}
	tx, err := s.table(ctx, spec)
	if err != nil {
		return nil, err
	}
	if err := tx.Create(map[string]any(rec)).Error; err != nil {
		return nil, classify(err)
	}
	return s.Get(ctx, spec, id)
}

func (s *Store) Update(ctx context.Context, spec models.TableSpec, id string, patch *models.Patch) (models.Record, error) {
	if err := patch.Validate(spec); err != nil {
		return nil, err
	}
	tx, err := s.table(ctx, spec)
	if err != nil {
		return nil, err
	}
	res := tx.Where(byID(spec, id)).Updates(map[string]any(patch.Record()))
	if res.Error != nil {
		return nil, classify(res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("%w: %s/%s", constants.ErrNotFound, spec.Name, id)
	}
	return s.Get(ctx, spec, id)
}

func (s *Store) Delete(ctx context.Context, spec models.TableSpec, id string) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	err := s.db.WithContext(ctx).Exec(
		"DELETE FROM ? WHERE ? = ?",
		clause.Table{Name: spec.Name}, clause.Column{Name: spec.PK()}, id,
	).Error
	return classify(err)
}

// Close releases the pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toRecords(rows []map[string]any) []models.Record {
	out := make([]models.Record, 0, len(rows))
	for _, r := range rows {
		out = append(out, models.Record(r))
	}
	return out
}

// classify separates errors the server raised about the statement from
// errors reaching the server.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && !connectionClass(pgErr.Code) {
		return &remote.RejectedError{Backend: name, Message: fmt.Sprintf("%s (SQLSTATE %s)", pgErr.Message, pgErr.Code)}
	}
	return remote.Connectivity(name, err)
}

// connectionClass reports SQLSTATE classes that describe the server or the
// connection rather than the statement.
func connectionClass(code string) bool {
	if len(code) < 2 {
		return true
	}
	switch code[:2] {
	case "08", "53", "57", "58", "XX":
		return true
	}
	return false
}
