package repository

import (
	"context"

	"gorm.io/gorm"

	"alamor/internal/models"
)

// InboundRepository manages which panel inbounds are sold, per server and
// per profile.
type InboundRepository struct {
	db *gorm.DB
}

func NewInboundRepository(db *gorm.DB) *InboundRepository {
	return &InboundRepository{db: db}
}

// ReplaceServerInbounds makes selected the exact set of inbounds activated on
// a server. Inbounds that stay selected keep their row id, so profile links
// to them survive. Dropped inbounds are removed with their profile links.
func (r *InboundRepository) ReplaceServerInbounds(ctx context.Context, serverID uint, selected []models.ServerInbound) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing []models.ServerInbound
		if err := tx.Where("server_id = ?", serverID).Find(&existing).Error; err != nil {
			return err
		}
		byInbound := make(map[int]models.ServerInbound, len(existing))
		for _, si := range existing {
			byInbound[si.InboundID] = si
		}

		keep := map[int]bool{}
		for _, si := range selected {
			// A repeated inbound keeps its first remark.
			if keep[si.InboundID] {
				continue
			}
			keep[si.InboundID] = true
			if cur, ok := byInbound[si.InboundID]; ok {
				if err := tx.Model(&models.ServerInbound{}).Where("id = ?", cur.ID).
					Updates(map[string]interface{}{"remark": si.Remark, "is_active": true}).Error; err != nil {
					return err
				}
				continue
			}
			row := models.ServerInbound{ServerID: serverID, InboundID: si.InboundID, Remark: si.Remark, IsActive: true}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
		}

		var drop []uint
		for _, si := range existing {
			if !keep[si.InboundID] {
				drop = append(drop, si.ID)
			}
		}
		if len(drop) == 0 {
			return nil
		}
		if err := tx.Where("server_inbound_id IN ?", drop).Delete(&models.ProfileInbound{}).Error; err != nil {
			return err
		}
		return tx.Where("id IN ?", drop).Delete(&models.ServerInbound{}).Error
	})
}

// FindByServer returns the inbounds of a server.
func (r *InboundRepository) FindByServer(ctx context.Context, serverID uint, onlyActive bool) ([]models.ServerInbound, error) {
	var inbounds []models.ServerInbound
	db := r.db.WithContext(ctx).Where("server_id = ?", serverID)
	if onlyActive {
		db = db.Where("is_active = ?", true)
	}
	err := db.Order("id").Find(&inbounds).Error
	return inbounds, err
}

// ProfileCreate creates a profile.
func (r *InboundRepository) ProfileCreate(ctx context.Context, profile *models.Profile) error {
	return r.db.WithContext(ctx).Create(profile).Error
}

// ProfileFindByID returns a profile by ID.
func (r *InboundRepository) ProfileFindByID(ctx context.Context, id uint) (*models.Profile, error) {
	var profile models.Profile
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&profile).Error; err != nil {
		return nil, err
	}
	return &profile, nil
}

// ProfileFindAll returns profiles ordered by id.
func (r *InboundRepository) ProfileFindAll(ctx context.Context, onlyActive bool) ([]models.Profile, error) {
	var profiles []models.Profile
	db := r.db.WithContext(ctx)
	if onlyActive {
		db = db.Where("is_active = ?", true)
	}
	err := db.Order("id").Find(&profiles).Error
	return profiles, err
}

// ProfileSetActive enables or disables a profile for sale.
func (r *InboundRepository) ProfileSetActive(ctx context.Context, id uint, active bool) error {
	return r.db.WithContext(ctx).Model(&models.Profile{}).Where("id = ?", id).
		Update("is_active", active).Error
}

// ProfileDelete removes a profile and its inbound links. Purchases keep
// their profile_id for history.
func (r *InboundRepository) ProfileDelete(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("profile_id = ?", id).Delete(&models.ProfileInbound{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", id).Delete(&models.Profile{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
}

// ReplaceProfileInbounds sets the server inbounds bundled in a profile.
func (r *InboundRepository) ReplaceProfileInbounds(ctx context.Context, profileID uint, serverInboundIDs []uint) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("profile_id = ?", profileID).Delete(&models.ProfileInbound{}).Error; err != nil {
			return err
		}
		if len(serverInboundIDs) == 0 {
			return nil
		}
		seen := map[uint]bool{}
		links := make([]models.ProfileInbound, 0, len(serverInboundIDs))
		for _, id := range serverInboundIDs {
			if seen[id] {
				continue
			}
			seen[id] = true
			links = append(links, models.ProfileInbound{ProfileID: profileID, ServerInboundID: id})
		}
		return tx.Create(&links).Error
	})
}

// FindForProfile returns the sellable inbounds of a profile: the inbound is
// active and its server is active and online.
func (r *InboundRepository) FindForProfile(ctx context.Context, profileID uint) ([]models.InboundRow, error) {
	var rows []models.InboundRow
	err := r.db.WithContext(ctx).
		Table("profile_inbounds AS pi").
		Select("si.id, si.server_id, si.inbound_id, si.remark, si.is_active, s.name AS server_name").
		Joins("JOIN server_inbounds AS si ON pi.server_inbound_id = si.id").
		Joins("JOIN servers AS s ON si.server_id = s.id").
		Where("pi.profile_id = ? AND si.is_active = ? AND s.is_active = ? AND s.is_online = ?", profileID, true, true, true).
		Order("si.server_id, si.id").
		Scan(&rows).Error
	return rows, err
}
