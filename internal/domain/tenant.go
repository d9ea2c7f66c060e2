package domain

import "time"

// Tenant 表示一个支持工单系统的租户。
//
// 租户可通过三种收件地址局部名被定位：slug、邮件代码、纯数字ID。
type Tenant struct {
	ID                uint      `json:"id" gorm:"primaryKey"`
	Slug              string    `json:"slug" gorm:"type:varchar(100);uniqueIndex;not null"` // URL 安全的租户标识
	Name              string    `json:"name" gorm:"type:varchar(255)"`
	EmailCode         string    `json:"emailCode,omitempty" gorm:"type:varchar(100);index"` // 可选的收件别名
	IsActive          bool      `json:"isActive" gorm:"default:true;index"`
	DefaultServiceID  *uint     `json:"defaultServiceId,omitempty"`  // 新建工单的默认服务
	DefaultPriorityID *uint     `json:"defaultPriorityId,omitempty"` // 新建工单的默认优先级
	DefaultClientID   *uint     `json:"defaultClientId,omitempty"`   // 新建工单的默认客户
	CreatedAt         time.Time `json:"createdAt"`
}
