package types

import "time"

const SettingSystemPrompt = "system_prompt"

type AdminSetting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

func (AdminSetting) TableName() string {
	return "admin_setting"
}
