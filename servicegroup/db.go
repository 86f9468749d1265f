package servicegroup

import (
	"context"
	stderrors "errors"
	"time"

	"gorm.io/gorm"

	"github.com/pnavarro/nova/core/errors"
	"github.com/pnavarro/nova/core/log"
	"github.com/pnavarro/nova/storex"
)

// ServiceRecord is a row of the services table.
type ServiceRecord struct {
	ID          uint       `gorm:"primaryKey"`
	Host        string     `gorm:"size:255;not null;index:idx_services_host_binary"`
	Binary      string     `gorm:"size:255;not null;index:idx_services_host_binary"`
	Topic       string     `gorm:"size:255;not null;index"`
	ReportCount int64      `gorm:"not null;default:0"`
	Disabled    bool       `gorm:"not null;default:false"`
	CreatedAt   time.Time  `gorm:"autoCreateTime:false"`
	UpdatedAt   *time.Time `gorm:"autoUpdateTime:false"`
}

// TableName implements gorm's tabler.
func (ServiceRecord) TableName() string { return "services" }

// Member converts the record for liveness checks.
func (r ServiceRecord) Member() Member {
	return Member{
		Host:        r.Host,
		Binary:      r.Binary,
		Topic:       r.Topic,
		ReportCount: r.ReportCount,
		Disabled:    r.Disabled,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

type dbDriver struct {
	db         *gorm.DB
	downTime   time.Duration
	enableNew  bool
	now        func() time.Time
	logger     log.Logger
	heartbeats *heartbeats
}

func newDBDriver(cfg Config, deps Deps, logger log.Logger) (*dbDriver, error) {
	if deps.Store == nil {
		return nil, errors.New(errors.CodeInvalidArgument, "db service group driver requires a store")
	}
	db := deps.Store.GetDB()
	if err := db.AutoMigrate(&ServiceRecord{}); err != nil {
		return nil, errors.Wrap(errors.CodeUnavailable, "servicegroup.migrate", err)
	}
	return &dbDriver{
		db:         db,
		downTime:   cfg.ServiceDownTime,
		enableNew:  cfg.EnableNewServices,
		now:        deps.Now,
		logger:     logger,
		heartbeats: newHeartbeats(DriverDB, cfg, deps, logger, storex.IsConnectionError),
	}, nil
}

// record loads the service row for host and binary, creating it when absent.
func (d *dbDriver) record(ctx context.Context, host, binary, topic string) (ServiceRecord, error) {
	var rec ServiceRecord
	err := d.db.WithContext(ctx).Where(map[string]any{"host": host, "binary": binary}).First(&rec).Error
	if err == nil {
		return rec, nil
	}
	if !stderrors.Is(err, gorm.ErrRecordNotFound) {
		return ServiceRecord{}, err
	}

	rec = ServiceRecord{
		Host:      host,
		Binary:    binary,
		Topic:     topic,
		Disabled:  !d.enableNew,
		CreatedAt: d.now().UTC(),
	}
	if err := d.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return ServiceRecord{}, err
	}
	d.logger.Info("service record created", log.Str("host", host), log.Str("binary", binary), log.Bool("disabled", rec.Disabled))
	return rec, nil
}

func (d *dbDriver) Join(ctx context.Context, memberID, groupID string, svc ServiceInfo) error {
	if memberID == "" || groupID == "" || svc.Binary == "" {
		return errors.New(errors.CodeInvalidArgument, "member, group and binary are required")
	}
	if _, err := d.record(ctx, memberID, svc.Binary, groupID); err != nil {
		return errors.Wrap(errors.CodeUnavailable, "servicegroup.Join", err)
	}
	started := d.heartbeats.start(groupID, memberID, func(ctx context.Context) error {
		return d.report(ctx, memberID, svc.Binary, groupID)
	})
	if !started {
		return errors.New(errors.CodeAborted, "service group is closed")
	}
	return nil
}

// report records one heartbeat. A deleted record is recreated.
func (d *dbDriver) report(ctx context.Context, host, binary, topic string) error {
	rec, err := d.record(ctx, host, binary, topic)
	if err != nil {
		return err
	}
	now := d.now().UTC()
	return d.db.WithContext(ctx).Model(&ServiceRecord{}).Where(map[string]any{"id": rec.ID}).Updates(map[string]any{
		"report_count": gorm.Expr("report_count + ?", 1),
		"updated_at":   now,
	}).Error
}

// IsUp uses the timestamps in m; a member without them is looked up by
// host and topic first.
func (d *dbDriver) IsUp(ctx context.Context, m Member) (bool, error) {
	if m.CreatedAt.IsZero() && m.UpdatedAt == nil {
		var rec ServiceRecord
		err := d.db.WithContext(ctx).Where(map[string]any{"host": m.Host, "topic": m.Topic}).First(&rec).Error
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		if err != nil {
			return false, errors.Wrap(errors.CodeUnavailable, "servicegroup.IsUp", err)
		}
		m = rec.Member()
	}
	return isUp(d.now(), m.LastSeen(), d.downTime), nil
}

// Leave stops reporting. The record stays and goes down once
// service_down_time passes.
func (d *dbDriver) Leave(_ context.Context, memberID, groupID string) error {
	d.heartbeats.stop(groupID, memberID)
	return nil
}

func (d *dbDriver) GetAll(ctx context.Context, groupID string) ([]string, error) {
	var recs []ServiceRecord
	err := d.db.WithContext(ctx).Where(map[string]any{"topic": groupID, "disabled": false}).Order("host").Find(&recs).Error
	if err != nil {
		return nil, errors.Wrap(errors.CodeUnavailable, "servicegroup.GetAll", err)
	}
	now := d.now()
	hosts := make([]string, 0, len(recs))
	for _, rec := range recs {
		if isUp(now, rec.Member().LastSeen(), d.downTime) {
			hosts = append(hosts, rec.Host)
		}
	}
	return hosts, nil
}

// Close stops the heartbeats. The store belongs to the caller.
func (d *dbDriver) Close() error {
	d.heartbeats.stopAll()
	return nil
}
