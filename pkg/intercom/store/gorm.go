// Copyright 2024-2026 Aiku AI

package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{
		db: db,
	}
}

var _ Store = (*GormStore)(nil)

type GormStore struct {
	db *gorm.DB
}

// DB returns the underlying connection.
func (g *GormStore) DB() *gorm.DB {
	return g.db
}

func (g *GormStore) Migrate() error {
	return g.db.AutoMigrate(&Link{}, &Webhook{}, &Silence{}, &FailureCounter{}, &Removal{})
}

func (g *GormStore) Transaction(ctx context.Context, f func(tx Store) error) error {
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return f(&GormStore{db: tx})
	})
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%w: %w", ErrDuplicate, err)
	default:
		return err
	}
}

func pairScope(a, b string) func(db *gorm.DB) *gorm.DB {
	lo, hi := CanonicalPair(a, b)
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("channel_a = ? AND channel_b = ?", lo, hi)
	}
}

func (g *GormStore) FindLink(ctx context.Context, a, b string) (*Link, error) {
	var link Link
	err := g.db.WithContext(ctx).Scopes(pairScope(a, b)).First(&link).Error
	if err != nil {
		return nil, translate(err)
	}
	return &link, nil
}

func (g *GormStore) CreateLink(ctx context.Context, link *Link) error {
	if link.ChannelB < link.ChannelA {
		link.ChannelA, link.ChannelB = link.ChannelB, link.ChannelA
		link.CommunityA, link.CommunityB = link.CommunityB, link.CommunityA
	}
	return translate(g.db.WithContext(ctx).Create(link).Error)
}

func (g *GormStore) DeleteLink(ctx context.Context, a, b string) error {
	res := g.db.WithContext(ctx).Scopes(pairScope(a, b)).Delete(&Link{})
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (g *GormStore) toggle(ctx context.Context, a, b, column string) (*Link, error) {
	res := g.db.WithContext(ctx).Model(&Link{}).Scopes(pairScope(a, b)).
		Update(column, gorm.Expr("NOT "+column))
	if res.Error != nil {
		return nil, translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return g.FindLink(ctx, a, b)
}

func (g *GormStore) ToggleLinkActive(ctx context.Context, a, b string) (*Link, error) {
	return g.toggle(ctx, a, b, "active")
}

func (g *GormStore) ToggleLinkBanSync(ctx context.Context, a, b string) (*Link, error) {
	return g.toggle(ctx, a, b, "sync_bans")
}

func (g *GormStore) SetBanSyncFor(ctx context.Context, channel string, value bool) (int64, error) {
	res := g.db.WithContext(ctx).Model(&Link{}).
		Where("channel_a = ? OR channel_b = ?", channel, channel).
		Update("sync_bans", value)
	return res.RowsAffected, translate(res.Error)
}

func (g *GormStore) ListLinksFor(ctx context.Context, channel string, activeOnly bool) ([]*Link, error) {
	var links []*Link
	q := g.db.WithContext(ctx).Where("(channel_a = ? OR channel_b = ?)", channel, channel)
	if activeOnly {
		q = q.Where("active = ?", true)
	}
	err := q.Order("id").Find(&links).Error
	return links, translate(err)
}

func (g *GormStore) CountLinksFor(ctx context.Context, channel string) (int64, error) {
	var count int64
	err := g.db.WithContext(ctx).Model(&Link{}).
		Where("channel_a = ? OR channel_b = ?", channel, channel).
		Count(&count).Error
	return count, translate(err)
}

func (g *GormStore) DeleteLinksForChannel(ctx context.Context, channel string) ([]*Link, error) {
	var links []*Link
	cond := g.db.WithContext(ctx).Where("channel_a = ? OR channel_b = ?", channel, channel)
	if err := cond.Find(&links).Error; err != nil {
		return nil, translate(err)
	}
	if len(links) == 0 {
		return nil, nil
	}
	err := g.db.WithContext(ctx).Where("channel_a = ? OR channel_b = ?", channel, channel).Delete(&Link{}).Error
	return links, translate(err)
}

func (g *GormStore) DeleteLinksForCommunity(ctx context.Context, community string) ([]*Link, error) {
	var links []*Link
	err := g.db.WithContext(ctx).Where("community_a = ? OR community_b = ?", community, community).Find(&links).Error
	if err != nil {
		return nil, translate(err)
	}
	if len(links) == 0 {
		return nil, nil
	}
	err = g.db.WithContext(ctx).Where("community_a = ? OR community_b = ?", community, community).Delete(&Link{}).Error
	return links, translate(err)
}

func (g *GormStore) GetWebhook(ctx context.Context, channel string) (*Webhook, error) {
	var hook Webhook
	err := g.db.WithContext(ctx).Where("channel_id = ?", channel).First(&hook).Error
	if err != nil {
		return nil, translate(err)
	}
	return &hook, nil
}

func (g *GormStore) SaveWebhook(ctx context.Context, hook *Webhook) error {
	return translate(g.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "channel_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"url", "community_id"}),
	}).Create(hook).Error)
}

func (g *GormStore) DeleteWebhook(ctx context.Context, channel string) (*Webhook, error) {
	hook, err := g.GetWebhook(ctx, channel)
	if err != nil {
		return nil, err
	}
	if err := g.db.WithContext(ctx).Where("channel_id = ?", channel).Delete(&Webhook{}).Error; err != nil {
		return nil, translate(err)
	}
	return hook, nil
}

func (g *GormStore) DeleteWebhooksForCommunity(ctx context.Context, community string) ([]*Webhook, error) {
	var hooks []*Webhook
	if err := g.db.WithContext(ctx).Where("community_id = ?", community).Find(&hooks).Error; err != nil {
		return nil, translate(err)
	}
	if len(hooks) == 0 {
		return nil, nil
	}
	err := g.db.WithContext(ctx).Where("community_id = ?", community).Delete(&Webhook{}).Error
	return hooks, translate(err)
}

func (g *GormStore) IsSilenced(ctx context.Context, community, silenced string) (bool, error) {
	var count int64
	err := g.db.WithContext(ctx).Model(&Silence{}).
		Where("community = ? AND silenced_community = ?", community, silenced).
		Count(&count).Error
	return count > 0, translate(err)
}

func (g *GormStore) AddSilence(ctx context.Context, community, silenced string) error {
	return translate(g.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&Silence{
		Community:         community,
		SilencedCommunity: silenced,
	}).Error)
}

func (g *GormStore) RemoveSilence(ctx context.Context, community, silenced string) (bool, error) {
	res := g.db.WithContext(ctx).
		Where("community = ? AND silenced_community = ?", community, silenced).
		Delete(&Silence{})
	return res.RowsAffected > 0, translate(res.Error)
}

func (g *GormStore) ListSilences(ctx context.Context, community string) ([]*Silence, error) {
	var silences []*Silence
	err := g.db.WithContext(ctx).Where("community = ?", community).Order("id").Find(&silences).Error
	return silences, translate(err)
}

func (g *GormStore) FailureCount(ctx context.Context, requester, target string) (int, error) {
	var counter FailureCounter
	err := g.db.WithContext(ctx).
		Where("requester_community = ? AND target_community = ?", requester, target).
		First(&counter).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	} else if err != nil {
		return 0, translate(err)
	}
	return counter.Failures, nil
}

func (g *GormStore) IncrementFailure(ctx context.Context, requester, target string) (int, error) {
	err := g.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "requester_community"}, {Name: "target_community"}},
		DoUpdates: clause.Assignments(map[string]any{
			"failures": gorm.Expr("failure_counters.failures + 1"),
		}),
	}).Create(&FailureCounter{
		RequesterCommunity: requester,
		TargetCommunity:    target,
		Failures:           1,
	}).Error
	if err != nil {
		return 0, translate(err)
	}
	return g.FailureCount(ctx, requester, target)
}

func (g *GormStore) ClearFailures(ctx context.Context, requester, target string) error {
	return translate(g.db.WithContext(ctx).
		Where("requester_community = ? AND target_community = ?", requester, target).
		Delete(&FailureCounter{}).Error)
}

func (g *GormStore) AddRemoval(ctx context.Context, community, user string) error {
	return translate(g.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&Removal{
		CommunityID: community,
		UserID:      user,
	}).Error)
}

func (g *GormStore) DeleteRemoval(ctx context.Context, community, user string) (bool, error) {
	res := g.db.WithContext(ctx).
		Where("community_id = ? AND user_id = ?", community, user).
		Delete(&Removal{})
	return res.RowsAffected > 0, translate(res.Error)
}

func (g *GormStore) ListRemovals(ctx context.Context, community string) ([]string, error) {
	var users []string
	err := g.db.WithContext(ctx).Model(&Removal{}).
		Where("community_id = ?", community).
		Order("user_id").
		Pluck("user_id", &users).Error
	return users, translate(err)
}
