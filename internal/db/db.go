package db

import (
	"log"
	"time"

	"github.com/luminachat/lumina/internal/chat"
	"github.com/luminachat/lumina/internal/models"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

func Connect(dsn string) *gorm.DB {
	gdb, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatalf("db open: %v", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		log.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := gdb.AutoMigrate(
		&models.User{},
		&chat.Chat{},
		&chat.Message{},
		&chat.TitleJob{},
	); err != nil {
		log.Fatalf("db migrate: %v", err)
	}
	return gdb
}
