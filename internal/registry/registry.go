// Package registry 设备身份库和准入状态机 (SQLite)
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Hara602/duckguard/internal/enforcer"
	"github.com/Hara602/duckguard/internal/metrics"
	"github.com/Hara602/duckguard/internal/model"
	"github.com/Hara602/duckguard/internal/sysutil"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// 表结构与管理面板共享，列名不能改
const schema = `
CREATE TABLE IF NOT EXISTS device_details (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	usb_vid TEXT,
	usb_pid TEXT,
	usb_serial TEXT,
	device_type TEXT DEFAULT 'unknown',
	threat_level TEXT DEFAULT 'unknown',
	last_seen TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
`

// 旧版本可能写入了重复行 (身份归一化后也会出现)，建唯一索引前先保留最早的一条
const collapseDuplicates = `
DELETE FROM device_details WHERE id NOT IN (
	SELECT MIN(id) FROM device_details GROUP BY usb_vid, usb_pid, usb_serial
);
`

const uniqueIdentity = `
CREATE UNIQUE INDEX IF NOT EXISTS idx_device_identity
	ON device_details (usb_vid, usb_pid, usb_serial);
`

const deviceColumns = "id, usb_vid, usb_pid, usb_serial, device_type, threat_level, last_seen"

// 早期的表没有这两列
var legacyColumns = []struct{ name, ddl string }{
	{"threat_level", "ALTER TABLE device_details ADD COLUMN threat_level TEXT DEFAULT 'unknown'"},
	{"last_seen", "ALTER TABLE device_details ADD COLUMN last_seen TIMESTAMP"},
}

// Registry 所有写操作在进程内串行化，跨进程依赖 SQLite 的原子语句
type Registry struct {
	mu sync.Mutex
	db *sql.DB
	gw enforcer.Gateway
}

// ObservationResult Observe 的结果，IsNew 表示本次插入了新行
type ObservationResult struct {
	IsNew  bool
	Device model.Device
}

// Open 打开 (或创建) 数据库并迁移表结构
func Open(path string, busyTimeout time.Duration, gw enforcer.Gateway) (*Registry, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)", path, busyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	if gw == nil {
		gw = enforcer.None{}
	}
	return &Registry{db: db, gw: gw}, nil
}

func migrate(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}
	existing, err := columns(db)
	if err != nil {
		return err
	}
	for _, c := range legacyColumns {
		if existing[c.name] {
			continue
		}
		if _, err := db.Exec(c.ddl); err != nil {
			return fmt.Errorf("add column %s: %w", c.name, err)
		}
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	fixes, err := identityFixes(tx)
	if err != nil {
		return err
	}
	if len(fixes) > 0 {
		// 归一化后可能和已有行冲突，先去掉唯一索引，合并后再重建
		if _, err := tx.Exec("DROP INDEX IF EXISTS idx_device_identity"); err != nil {
			return fmt.Errorf("drop identity index: %w", err)
		}
		for id, key := range fixes {
			if _, err := tx.Exec("UPDATE device_details SET usb_vid = ?, usb_pid = ?, usb_serial = ? WHERE id = ?",
				key.VendorID, key.ProductID, key.Serial, id); err != nil {
				return fmt.Errorf("normalize device %d: %w", id, err)
			}
		}
		sysutil.Log.Warn("🧹 normalized legacy device identities", zap.Int("rows", len(fixes)))
	}

	res, err := tx.Exec(collapseDuplicates)
	if err != nil {
		return fmt.Errorf("collapse duplicate devices: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		sysutil.Log.Warn("🧹 collapsed duplicate device rows", zap.Int64("removed", n))
	}
	if _, err := tx.Exec(uniqueIdentity); err != nil {
		return fmt.Errorf("failed to create identity index: %w", err)
	}
	return tx.Commit()
}

// identityFixes 旧程序可能写入小写或未补零的 vid/pid、空序列号
// 返回需要改写成归一化身份键的行；非法的 id 原样保留
func identityFixes(tx *sql.Tx) (map[int64]model.DeviceKey, error) {
	rows, err := tx.Query("SELECT id, usb_vid, usb_pid, usb_serial FROM device_details")
	if err != nil {
		return nil, fmt.Errorf("read device identities: %w", err)
	}
	defer rows.Close()

	fixes := map[int64]model.DeviceKey{}
	for rows.Next() {
		var (
			id               int64
			vid, pid, serial sql.NullString
		)
		if err := rows.Scan(&id, &vid, &pid, &serial); err != nil {
			return nil, err
		}
		key, err := model.NewDeviceKey(vid.String, pid.String, serial.String)
		if err != nil {
			continue
		}
		if key.VendorID != vid.String || key.ProductID != pid.String || key.Serial != serial.String {
			fixes[id] = key
		}
	}
	return fixes, rows.Err()
}

func columns(db *sql.DB) (map[string]bool, error) {
	rows, err := db.Query("PRAGMA table_info(device_details)")
	if err != nil {
		return nil, fmt.Errorf("read table info: %w", err)
	}
	defer rows.Close()
	cols := map[string]bool{}
	for rows.Next() {
		var (
			cid, notNull, pk int
			name, typ        string
			dflt             sql.NullString
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

func (r *Registry) Close() error {
	return r.db.Close()
}

// Observe 记录一次设备出现：不存在则插入 unknown/unknown，存在则更新 last_seen
func (r *Registry) Observe(ctx context.Context, vid, pid, serial string) (ObservationResult, error) {
	key, err := model.NewDeviceKey(vid, pid, serial)
	if err != nil {
		return ObservationResult{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return ObservationResult{}, fmt.Errorf("begin observe: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO device_details (usb_vid, usb_pid, usb_serial, device_type, threat_level, last_seen)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (usb_vid, usb_pid, usb_serial) DO NOTHING`,
		key.VendorID, key.ProductID, key.Serial, model.AdmissionUnknown, model.ThreatUnknown)
	if err != nil {
		return ObservationResult{}, fmt.Errorf("insert device: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return ObservationResult{}, err
	}
	if inserted == 0 {
		if _, err := tx.ExecContext(ctx,
			"UPDATE device_details SET last_seen = CURRENT_TIMESTAMP WHERE usb_vid = ? AND usb_pid = ? AND usb_serial = ?",
			key.VendorID, key.ProductID, key.Serial); err != nil {
			return ObservationResult{}, fmt.Errorf("touch device: %w", err)
		}
	}
	d, err := scanDevice(tx.QueryRowContext(ctx,
		"SELECT "+deviceColumns+" FROM device_details WHERE usb_vid = ? AND usb_pid = ? AND usb_serial = ?",
		key.VendorID, key.ProductID, key.Serial))
	if err != nil {
		return ObservationResult{}, fmt.Errorf("read device: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return ObservationResult{}, fmt.Errorf("commit observe: %w", err)
	}

	metrics.RecordObservation(inserted > 0)
	return ObservationResult{IsNew: inserted > 0, Device: d}, nil
}

// RequiresAnalysis 只有 unknown 的设备需要分析
func (r *Registry) RequiresAnalysis(d model.Device) bool {
	return d.Admission == model.AdmissionUnknown
}

// ApplyVerdict 根据分类结果迁移状态
// 只在行仍为 unknown 时生效，采集期间管理员的操作优先；返回是否生效
func (r *Registry) ApplyVerdict(ctx context.Context, d model.Device, v model.Verdict) (bool, error) {
	if v.Classification == model.ClassNone {
		return false, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		res sql.Result
		err error
	)
	if v.IsDucky() {
		res, err = r.db.ExecContext(ctx,
			"UPDATE device_details SET device_type = ?, threat_level = ? WHERE id = ? AND device_type = ?",
			model.AdmissionBlocked, model.ThreatHigh, d.ID, model.AdmissionUnknown)
	} else {
		res, err = r.db.ExecContext(ctx,
			"UPDATE device_details SET threat_level = ? WHERE id = ? AND device_type = ?",
			model.ThreatLow, d.ID, model.AdmissionUnknown)
	}
	if err != nil {
		return false, fmt.Errorf("apply verdict: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	if v.IsDucky() {
		r.enforce(d.Key, model.AdmissionBlocked)
	}
	return true, nil
}

// ApplyAdminAction allow / block / remove，重复执行结果相同
// allow 和 block 每次都会重新下发物理层操作
func (r *Registry) ApplyAdminAction(ctx context.Context, id int64, action model.AdminAction) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, err := r.get(ctx, id)
	if err != nil {
		return err
	}

	switch action {
	case model.ActionAllow:
		err = r.setState(ctx, id, model.AdmissionWhitelisted, model.ThreatLow)
	case model.ActionBlock:
		err = r.setState(ctx, id, model.AdmissionBlocked, model.ThreatHigh)
	case model.ActionRemove:
		_, err = r.db.ExecContext(ctx, "DELETE FROM device_details WHERE id = ?", id)
	default:
		return fmt.Errorf("invalid action %q", action)
	}
	if err != nil {
		return fmt.Errorf("%s device %d: %w", action, id, err)
	}
	metrics.AdminActionsTotal.WithLabelValues(string(action)).Inc()
	sysutil.Log.Info("🛠️ admin action applied",
		zap.Int64("id", id),
		zap.String("action", string(action)),
		zap.String("device", d.Key.String()))

	switch action {
	case model.ActionAllow:
		r.enforce(d.Key, model.AdmissionWhitelisted)
	case model.ActionBlock:
		r.enforce(d.Key, model.AdmissionBlocked)
	}
	return nil
}

func (r *Registry) setState(ctx context.Context, id int64, admission model.AdmissionState, threat model.ThreatLevel) error {
	_, err := r.db.ExecContext(ctx,
		"UPDATE device_details SET device_type = ?, threat_level = ? WHERE id = ?",
		admission, threat, id)
	return err
}

// enforce 物理层失败不回滚数据库状态
func (r *Registry) enforce(key model.DeviceKey, state model.AdmissionState) {
	var ok bool
	if state == model.AdmissionBlocked {
		ok = r.gw.Block(key.VendorID, key.ProductID)
	} else {
		ok = r.gw.Allow(key.VendorID, key.ProductID)
	}
	if !ok {
		sysutil.Log.Warn("⚠️ enforcement failed, registry state kept",
			zap.String("device", key.String()),
			zap.String("state", string(state)),
			zap.String("backend", r.gw.Name()))
	}
}

func (r *Registry) Get(ctx context.Context, id int64) (model.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.get(ctx, id)
}

func (r *Registry) get(ctx context.Context, id int64) (model.Device, error) {
	d, err := scanDevice(r.db.QueryRowContext(ctx,
		"SELECT "+deviceColumns+" FROM device_details WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Device{}, fmt.Errorf("device %d: %w", id, model.ErrNotFound)
	}
	return d, err
}

// Lookup 按身份键查询
func (r *Registry) Lookup(ctx context.Context, key model.DeviceKey) (model.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, err := scanDevice(r.db.QueryRowContext(ctx,
		"SELECT "+deviceColumns+" FROM device_details WHERE usb_vid = ? AND usb_pid = ? AND usb_serial = ?",
		key.VendorID, key.ProductID, key.Serial))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Device{}, fmt.Errorf("device %s: %w", key, model.ErrNotFound)
	}
	return d, err
}

// List 按 id 排序，同一身份键只返回最早的一行
func (r *Registry) List(ctx context.Context) ([]model.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+deviceColumns+` FROM device_details WHERE id IN (
			SELECT MIN(id) FROM device_details GROUP BY usb_vid, usb_pid, usb_serial
		) ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var devices []model.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(s rowScanner) (model.Device, error) {
	var (
		d                                         model.Device
		vid, pid, serial, admission, threat, seen sql.NullString
	)
	if err := s.Scan(&d.ID, &vid, &pid, &serial, &admission, &threat, &seen); err != nil {
		return model.Device{}, err
	}
	d.Key = model.DeviceKey{VendorID: vid.String, ProductID: pid.String, Serial: serial.String}
	d.Admission = parseAdmission(admission.String)
	d.Threat = parseThreat(threat.String)
	d.LastSeen = parseTime(seen.String)
	return d, nil
}

// 外部面板可能写入未知值，一律按 unknown 处理
func parseAdmission(s string) model.AdmissionState {
	switch a := model.AdmissionState(s); a {
	case model.AdmissionWhitelisted, model.AdmissionBlocked:
		return a
	}
	return model.AdmissionUnknown
}

func parseThreat(s string) model.ThreatLevel {
	switch t := model.ThreatLevel(s); t {
	case model.ThreatLow, model.ThreatHigh:
		return t
	}
	return model.ThreatUnknown
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.999999999-07:00",
}

func parseTime(s string) time.Time {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
