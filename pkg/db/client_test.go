package db

import (
	"context"
	"errors"
	"testing"

	"gorm.io/gorm"

	"github.com/crestdesk/notify/pkg/config"
)

type txRecord struct {
	ID   uint `gorm:"primaryKey"`
	Name string
}

func newTestClient(t *testing.T) *Client {
	t.Helper()
	client, err := New(context.Background(), config.DBConfig{
		DSN:    ":memory:",
		Driver: "sqlite",
	}, nil)
	if err != nil {
		t.Fatalf("opening sqlite client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	if err := client.DB().AutoMigrate(&txRecord{}); err != nil {
		t.Fatalf("migrating test table: %v", err)
	}
	return client
}

func countRecords(t *testing.T, client *Client) int64 {
	t.Helper()
	var count int64
	if err := client.DB().Model(&txRecord{}).Count(&count).Error; err != nil {
		t.Fatalf("counting records: %v", err)
	}
	return count
}

func TestWithTxCommits(t *testing.T) {
	client := newTestClient(t)

	err := client.WithTx(context.Background(), func(tx *gorm.DB) error {
		if err := tx.Create(&txRecord{Name: "first"}).Error; err != nil {
			return err
		}
		return tx.Create(&txRecord{Name: "second"}).Error
	})
	if err != nil {
		t.Fatalf("transaction failed: %v", err)
	}
	if got := countRecords(t, client); got != 2 {
		t.Fatalf("expected 2 committed rows, got %d", got)
	}
}

func TestWithTxRollsBackOnError(t *testing.T) {
	client := newTestClient(t)

	sentinel := errors.New("business rule violated")
	err := client.WithTx(context.Background(), func(tx *gorm.DB) error {
		if err := tx.Create(&txRecord{Name: "doomed"}).Error; err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}
	if got := countRecords(t, client); got != 0 {
		t.Fatalf("expected rollback, found %d rows", got)
	}
}

func TestWithTxRollsBackOnPanic(t *testing.T) {
	client := newTestClient(t)

	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Fatal("panic must propagate out of the transaction")
			}
		}()
		_ = client.WithTx(context.Background(), func(tx *gorm.DB) error {
			if err := tx.Create(&txRecord{Name: "doomed"}).Error; err != nil {
				return err
			}
			panic("consumer bug")
		})
	}()

	if got := countRecords(t, client); got != 0 {
		t.Fatalf("expected rollback after panic, found %d rows", got)
	}
}
