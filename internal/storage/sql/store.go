package sql

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
	_ "github.com/lib/pq"              // PostgreSQL driver
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"deskmail/backend/internal/domain"
)

// Store SQL 数据库存储实现（支持 MySQL 5.7+ 和 PostgreSQL）
type Store struct {
	db         *sql.DB
	gormDB     *gorm.DB
	driverName string // "mysql" or "postgres"
}

// NewStore 创建SQL数据库存储
func NewStore(
	driverName string,
	dsn string,
	maxOpenConns int,
	maxIdleConns int,
	connMaxLifetime time.Duration,
) (*Store, error) {
	if driverName != "mysql" && driverName != "postgres" {
		return nil, fmt.Errorf("unsupported database driver: %s (supported: mysql, postgres)", driverName)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	var gormDB *gorm.DB
	switch driverName {
	case "mysql":
		gormDB, err = gorm.Open(mysql.New(mysql.Config{Conn: db}), gormConfig)
	case "postgres":
		gormDB, err = gorm.Open(postgres.New(postgres.Config{Conn: db}), gormConfig)
	}
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize GORM: %w", err)
	}

	store := &Store{
		db:         db,
		gormDB:     gormDB,
		driverName: driverName,
	}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// migrate 执行数据库迁移（使用GORM AutoMigrate）
func (s *Store) migrate() error {
	return s.gormDB.AutoMigrate(
		&domain.EmailRecord{},
		&domain.Tenant{},
		&domain.ReplyThreadToken{},
		&domain.Ticket{},
		&domain.TicketArticle{},
	)
}

// ========== EmailRecord Repository ==========

// SaveEmailRecord 保存处理档案
func (s *Store) SaveEmailRecord(record *domain.EmailRecord) error {
	return s.gormDB.Create(record).Error
}

// GetEmailRecordByMessageID 按归一化消息标识查找档案，未找到返回 (nil, nil)
func (s *Store) GetEmailRecordByMessageID(messageID string) (*domain.EmailRecord, error) {
	var record domain.EmailRecord
	err := s.gormDB.Where("message_id = ?", messageID).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// UpdateEmailRecord 更新处理档案
func (s *Store) UpdateEmailRecord(record *domain.EmailRecord) error {
	return s.gormDB.Save(record).Error
}

// ListEmailRecordsByStatus 按状态列出处理档案（按接收时间升序）
func (s *Store) ListEmailRecordsByStatus(status domain.EmailStatus, limit int) ([]domain.EmailRecord, error) {
	var records []domain.EmailRecord
	query := s.gormDB.Where("status = ?", status).Order("received_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

// ========== Tenant Directory ==========

// GetTenantBySlug 按 slug 查找租户，未找到返回 (nil, nil)
func (s *Store) GetTenantBySlug(slug string) (*domain.Tenant, error) {
	return s.findTenant("slug = ?", slug)
}

// GetTenantByEmailCode 按邮件代码查找租户，未找到返回 (nil, nil)
func (s *Store) GetTenantByEmailCode(code string) (*domain.Tenant, error) {
	return s.findTenant("email_code = ?", code)
}

// GetTenantByID 按数字ID查找租户，未找到返回 (nil, nil)
func (s *Store) GetTenantByID(id uint) (*domain.Tenant, error) {
	return s.findTenant("id = ?", id)
}

// findTenant 按条件查找单个租户
func (s *Store) findTenant(query string, arg interface{}) (*domain.Tenant, error) {
	var tenant domain.Tenant
	err := s.gormDB.Where(query, arg).First(&tenant).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &tenant, nil
}

// ========== ReplyThreadToken Repository ==========

// SaveThreadToken 保存外发线索记录
func (s *Store) SaveThreadToken(token *domain.ReplyThreadToken) error {
	return s.gormDB.Create(token).Error
}

// RecentThreadToken 在给定消息标识中查找最近一条外发记录
func (s *Store) RecentThreadToken(messageIDs []string) (*domain.ReplyThreadToken, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}

	var token domain.ReplyThreadToken
	err := s.gormDB.
		Where("outbound_message_id IN ?", messageIDs).
		Order("sent_at DESC").
		First(&token).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &token, nil
}

// ========== Ticket Repository ==========

// CreateTicket 创建工单
func (s *Store) CreateTicket(ticket *domain.Ticket) error {
	return s.gormDB.Create(ticket).Error
}

// GetTicket 查找工单，未找到返回 (nil, nil)
func (s *Store) GetTicket(id uint) (*domain.Ticket, error) {
	var ticket domain.Ticket
	err := s.gormDB.First(&ticket, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ticket, nil
}

// AppendArticle 追加工单消息
func (s *Store) AppendArticle(article *domain.TicketArticle) error {
	return s.gormDB.Create(article).Error
}

// ========== 运维 ==========

// Health 检查数据库健康状态
func (s *Store) Health() error {
	if s.db == nil {
		return fmt.Errorf("database connection is nil")
	}
	return s.db.Ping()
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
