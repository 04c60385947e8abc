// Package gormstore implements store.Store on a relational database through
// GORM. PostgreSQL is the production target; SQLite serves development and
// tests.
package gormstore

import (
	"context"
	"time"

	"gpu-allocator/models"
	"gpu-allocator/store"

	"github.com/glebarez/sqlite"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type Store struct {
	db *gorm.DB
	// rowLocks is false for SQLite, which has no SELECT ... FOR UPDATE and
	// is limited to one connection instead.
	rowLocks bool
}

// Open connects to the database, migrates the schema and returns a Store.
func Open(driver, dsn string) (*Store, error) {
	var dialector gorm.Dialector
	switch driver {
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	case DriverSQLite:
		dialector = sqlite.Open(dsn)
	default:
		return nil, errors.Errorf("unsupported database driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         newLogger(),
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, errors.Wrapf(err, "open %s database", driver)
	}
	if driver == DriverSQLite {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, errors.Wrap(err, "sqlite connection pool")
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return New(db)
}

// New migrates the schema on an existing connection.
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(
		&models.Requester{},
		&models.Resource{},
		&models.Reservation{},
		&models.UsageRecord{},
		&models.QueueEntry{},
		&models.QueueBounds{},
	); err != nil {
		return nil, errors.Wrap(err, "migrate schema")
	}
	seed := &models.QueueBounds{ID: models.QueueBoundsID, Empty: true}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(seed).Error; err != nil {
		return nil, errors.Wrap(err, "seed queue bounds")
	}
	s := &Store{db: db, rowLocks: db.Dialector.Name() != DriverSQLite}
	log.Info().Str("dialect", db.Dialector.Name()).Bool("rowLocks", s.rowLocks).Msg("gormstore: schema ready")
	return s, nil
}

func (s *Store) Transaction(ctx context.Context, fn func(tx store.Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		return fn(&gormTx{db: db, rowLocks: s.rowLocks})
	})
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return errors.Wrap(err, "database handle")
	}
	return errors.Wrap(sqlDB.PingContext(ctx), "ping database")
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return errors.Wrap(err, "database handle")
	}
	return sqlDB.Close()
}

// translate maps GORM errors onto the store sentinels and wraps the rest.
func translate(err error, op string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return store.ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return store.ErrDuplicate
	}
	return errors.Wrap(err, op)
}

type gormTx struct {
	db       *gorm.DB
	rowLocks bool
}

func (t *gormTx) forUpdate() *gorm.DB {
	if t.rowLocks {
		return t.db.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return t.db
}

func (t *gormTx) get(dst interface{}, id interface{}, op string) error {
	return translate(t.db.Where("id = ?", id).Take(dst).Error, op)
}

func (t *gormTx) lock(dst interface{}, id interface{}, op string) error {
	return translate(t.forUpdate().Where("id = ?", id).Take(dst).Error, op)
}

func (t *gormTx) update(v interface{}, op string) error {
	res := t.db.Model(v).Select("*").Updates(v)
	if res.Error != nil {
		return translate(res.Error, op)
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *gormTx) remove(v interface{}, id string, op string) error {
	res := t.db.Where("id = ?", id).Delete(v)
	if res.Error != nil {
		return translate(res.Error, op)
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *gormTx) CreateRequester(r *models.Requester) error {
	return translate(t.db.Create(r).Error, "create requester")
}

func (t *gormTx) GetRequester(id string) (*models.Requester, error) {
	var r models.Requester
	if err := t.get(&r, id, "get requester"); err != nil {
		return nil, err
	}
	return &r, nil
}

func (t *gormTx) LockRequester(id string) (*models.Requester, error) {
	var r models.Requester
	if err := t.lock(&r, id, "lock requester"); err != nil {
		return nil, err
	}
	return &r, nil
}

func (t *gormTx) ListRequesters() ([]*models.Requester, error) {
	var out []*models.Requester
	err := t.db.Order("username").Find(&out).Error
	return out, translate(err, "list requesters")
}

func (t *gormTx) UpdateRequester(r *models.Requester) error {
	return t.update(r, "update requester")
}

func (t *gormTx) DeleteRequester(id string) error {
	return t.remove(&models.Requester{}, id, "delete requester")
}

func (t *gormTx) CreateResource(r *models.Resource) error {
	return translate(t.db.Create(r).Error, "create resource")
}

func (t *gormTx) GetResource(id string) (*models.Resource, error) {
	var r models.Resource
	if err := t.get(&r, id, "get resource"); err != nil {
		return nil, err
	}
	return &r, nil
}

func (t *gormTx) LockResource(id string) (*models.Resource, error) {
	var r models.Resource
	if err := t.lock(&r, id, "lock resource"); err != nil {
		return nil, err
	}
	return &r, nil
}

func (t *gormTx) ListResources() ([]*models.Resource, error) {
	var out []*models.Resource
	err := t.db.Order("name").Find(&out).Error
	return out, translate(err, "list resources")
}

func (t *gormTx) UpdateResource(r *models.Resource) error {
	return t.update(r, "update resource")
}

func (t *gormTx) DeleteResource(id string) error {
	return t.remove(&models.Resource{}, id, "delete resource")
}

func (t *gormTx) CreateReservation(r *models.Reservation) error {
	return translate(t.db.Create(r).Error, "create reservation")
}

func (t *gormTx) GetReservation(id string) (*models.Reservation, error) {
	var r models.Reservation
	if err := t.get(&r, id, "get reservation"); err != nil {
		return nil, err
	}
	return &r, nil
}

func (t *gormTx) LockReservation(id string) (*models.Reservation, error) {
	var r models.Reservation
	if err := t.lock(&r, id, "lock reservation"); err != nil {
		return nil, err
	}
	return &r, nil
}

func (t *gormTx) UpdateReservation(r *models.Reservation) error {
	return t.update(r, "update reservation")
}

func (t *gormTx) QueryReservations(f store.ReservationFilter) ([]*models.Reservation, error) {
	q := t.db.Model(&models.Reservation{})
	if f.ResourceID != "" {
		q = q.Where("resource_id = ?", f.ResourceID)
	}
	if f.RequesterID != "" {
		q = q.Where("requester_id = ?", f.RequesterID)
	}
	if f.ExcludeID != "" {
		q = q.Where("id <> ?", f.ExcludeID)
	}
	if f.Cancelled != nil {
		q = q.Where("is_cancelled = ?", *f.Cancelled)
	}
	if f.Overlapping != nil {
		q = q.Where("start_time < ? AND end_time > ?", f.Overlapping.End, f.Overlapping.Start)
	}
	if !f.EndsAfter.IsZero() {
		q = q.Where("end_time > ?", f.EndsAfter)
	}
	switch f.Order {
	case store.OrderByCancelledDesc:
		q = q.Order("cancelled_at DESC").Order("id")
	default:
		q = q.Order("start_time").Order("id")
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var out []*models.Reservation
	return out, translate(q.Find(&out).Error, "query reservations")
}

func (t *gormTx) CreateUsage(u *models.UsageRecord) error {
	return translate(t.db.Create(u).Error, "create usage")
}

func (t *gormTx) GetUsage(id string) (*models.UsageRecord, error) {
	var u models.UsageRecord
	if err := t.get(&u, id, "get usage"); err != nil {
		return nil, err
	}
	return &u, nil
}

func (t *gormTx) LockUsage(id string) (*models.UsageRecord, error) {
	var u models.UsageRecord
	if err := t.lock(&u, id, "lock usage"); err != nil {
		return nil, err
	}
	return &u, nil
}

func (t *gormTx) UpdateUsage(u *models.UsageRecord) error {
	return t.update(u, "update usage")
}

func (t *gormTx) QueryUsage(f store.UsageFilter) ([]*models.UsageRecord, error) {
	q := t.db.Model(&models.UsageRecord{})
	if f.ResourceID != "" {
		q = q.Where("resource_id = ?", f.ResourceID)
	}
	if f.ReservationID != "" {
		q = q.Where("reservation_id = ?", f.ReservationID)
	}
	if f.Open != nil {
		if *f.Open {
			q = q.Where("end_time IS NULL")
		} else {
			q = q.Where("end_time IS NOT NULL")
		}
	}
	if !f.StartedSince.IsZero() {
		q = q.Where("start_time >= ?", f.StartedSince)
	}
	var out []*models.UsageRecord
	return out, translate(q.Order("start_time").Order("id").Find(&out).Error, "query usage")
}

func (t *gormTx) CreateQueueEntry(e *models.QueueEntry) error {
	return translate(t.db.Create(e).Error, "create queue entry")
}

func (t *gormTx) GetQueueEntry(id string) (*models.QueueEntry, error) {
	var e models.QueueEntry
	if err := t.get(&e, id, "get queue entry"); err != nil {
		return nil, err
	}
	return &e, nil
}

func (t *gormTx) LockQueueEntry(id string) (*models.QueueEntry, error) {
	var e models.QueueEntry
	if err := t.lock(&e, id, "lock queue entry"); err != nil {
		return nil, err
	}
	return &e, nil
}

func (t *gormTx) UpdateQueueEntry(e *models.QueueEntry) error {
	return t.update(e, "update queue entry")
}

func (t *gormTx) QueryQueue(f store.QueueFilter) ([]*models.QueueEntry, error) {
	q := t.db.Model(&models.QueueEntry{})
	if f.RequesterID != "" {
		q = q.Where("requester_id = ?", f.RequesterID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var out []*models.QueueEntry
	return out, translate(q.Order("order_key").Order("requested_at").Order("id").Find(&out).Error, "query queue")
}

func (t *gormTx) LockQueueBounds() (*models.QueueBounds, error) {
	var b models.QueueBounds
	err := t.forUpdate().Where("id = ?", models.QueueBoundsID).Take(&b).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		seed := &models.QueueBounds{ID: models.QueueBoundsID, Empty: true}
		if err := t.db.Clauses(clause.OnConflict{DoNothing: true}).Create(seed).Error; err != nil {
			return nil, translate(err, "seed queue bounds")
		}
		err = t.forUpdate().Where("id = ?", models.QueueBoundsID).Take(&b).Error
	}
	if err != nil {
		return nil, translate(err, "lock queue bounds")
	}
	return &b, nil
}

func (t *gormTx) SaveQueueBounds(b *models.QueueBounds) error {
	b.ID = models.QueueBoundsID
	return t.update(b, "save queue bounds")
}
