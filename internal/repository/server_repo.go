package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"alamor/internal/models"
)

// ServerRepository handles server database operations.
type ServerRepository struct {
	db *gorm.DB
}

func NewServerRepository(db *gorm.DB) *ServerRepository {
	return &ServerRepository{db: db}
}

// Create creates a new server.
func (r *ServerRepository) Create(ctx context.Context, server *models.Server) error {
	return r.db.WithContext(ctx).Create(server).Error
}

// FindByID returns a server by ID.
func (r *ServerRepository) FindByID(ctx context.Context, id uint) (*models.Server, error) {
	var server models.Server
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&server).Error; err != nil {
		return nil, err
	}
	return &server, nil
}

// FindAll returns every server ordered by id.
func (r *ServerRepository) FindAll(ctx context.Context) ([]models.Server, error) {
	var servers []models.Server
	err := r.db.WithContext(ctx).Order("id").Find(&servers).Error
	return servers, err
}

// FindActive returns all active servers.
func (r *ServerRepository) FindActive(ctx context.Context) ([]models.Server, error) {
	var servers []models.Server
	err := r.db.WithContext(ctx).Where("is_active = ?", true).Order("id").Find(&servers).Error
	return servers, err
}

// UpdateStatus records the result of a health probe.
func (r *ServerRepository) UpdateStatus(ctx context.Context, id uint, online bool, at time.Time) error {
	return r.db.WithContext(ctx).Model(&models.Server{}).Where("id = ?", id).
		Updates(map[string]interface{}{"is_online": online, "last_checked": at}).Error
}

// SetActive enables or disables a server for sale.
func (r *ServerRepository) SetActive(ctx context.Context, id uint, active bool) error {
	return r.db.WithContext(ctx).Model(&models.Server{}).Where("id = ?", id).
		Update("is_active", active).Error
}

// Delete removes a server together with its inbounds and their profile links.
func (r *ServerRepository) Delete(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var inboundIDs []uint
		if err := tx.Model(&models.ServerInbound{}).Where("server_id = ?", id).Pluck("id", &inboundIDs).Error; err != nil {
			return err
		}
		if len(inboundIDs) > 0 {
			if err := tx.Where("server_inbound_id IN ?", inboundIDs).Delete(&models.ProfileInbound{}).Error; err != nil {
				return err
			}
		}
		if err := tx.Where("server_id = ?", id).Delete(&models.ServerInbound{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", id).Delete(&models.Server{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
}
