package model

// User represents a login identity for the API
type User struct {
	BaseModel
	Username     string `gorm:"type:varchar(64);uniqueIndex;not null" json:"username"`
	PasswordHash string `gorm:"type:varchar(255);not null" json:"-"`
	Role         string `gorm:"type:varchar(20);default:'user'" json:"role"`
	Enabled      bool   `gorm:"default:true" json:"enabled"`
}

// TableName specifies the table name for User
func (User) TableName() string {
	return "users"
}
