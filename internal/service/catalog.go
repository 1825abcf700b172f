package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"visabilling/internal/config"
	"visabilling/internal/model"
	"visabilling/internal/repository"
	"visabilling/pkg/logger"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// PlanCatalog 会员套餐目录（只读）
//
// GetPlan 不过滤 active：已下架套餐的历史订单仍然要能完成对账。
// 不存在时返回 repository.ErrPlanNotFound。
type PlanCatalog interface {
	GetPlan(ctx context.Context, id string) (*model.MembershipPlan, error)
	ListActivePlans(ctx context.Context) ([]*model.MembershipPlan, error)
}

// ============================================================================
// StaticCatalog 内存套餐目录
// ============================================================================

type StaticCatalog struct {
	plans map[string]model.MembershipPlan
}

func NewStaticCatalog(plans ...*model.MembershipPlan) *StaticCatalog {
	c := &StaticCatalog{plans: make(map[string]model.MembershipPlan, len(plans))}
	for _, p := range plans {
		c.plans[p.ID] = *p
	}
	return c
}

func (c *StaticCatalog) GetPlan(_ context.Context, id string) (*model.MembershipPlan, error) {
	p, ok := c.plans[id]
	if !ok {
		return nil, repository.ErrPlanNotFound
	}
	return &p, nil
}

func (c *StaticCatalog) ListActivePlans(_ context.Context) ([]*model.MembershipPlan, error) {
	list := make([]*model.MembershipPlan, 0, len(c.plans))
	for _, p := range c.plans {
		if p.Active {
			p := p
			list = append(list, &p)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Price.LessThan(list[j].Price) })
	return list, nil
}

// ============================================================================
// DBCatalog 数据库套餐目录
// ============================================================================

type DBCatalog struct {
	planRepo *repository.PlanRepository
}

func NewDBCatalog(planRepo *repository.PlanRepository) *DBCatalog {
	return &DBCatalog{planRepo: planRepo}
}

func (c *DBCatalog) GetPlan(ctx context.Context, id string) (*model.MembershipPlan, error) {
	return c.planRepo.GetByID(ctx, id)
}

func (c *DBCatalog) ListActivePlans(ctx context.Context) ([]*model.MembershipPlan, error) {
	return c.planRepo.ListActive(ctx)
}

// ============================================================================
// CachedCatalog Redis 缓存
// ============================================================================
//
// 套餐是低频变更的参考数据，读多写少。Redis 不可用时直接回源，不影响支付流程。

const (
	planCacheKeyPrefix = "visabilling:plan:"
	activePlansKey     = "visabilling:plans:active"
)

type CachedCatalog struct {
	next PlanCatalog
	rdb  *redis.Client
	ttl  time.Duration
	log  *slog.Logger
}

func NewCachedCatalog(next PlanCatalog, rdb *redis.Client, ttl time.Duration, log *slog.Logger) *CachedCatalog {
	return &CachedCatalog{next: next, rdb: rdb, ttl: ttl, log: log}
}

func (c *CachedCatalog) GetPlan(ctx context.Context, id string) (*model.MembershipPlan, error) {
	key := planCacheKeyPrefix + id

	var plan model.MembershipPlan
	if c.load(ctx, key, &plan) {
		return &plan, nil
	}

	p, err := c.next.GetPlan(ctx, id)
	if err != nil {
		return nil, err
	}
	c.store(ctx, key, p)
	return p, nil
}

func (c *CachedCatalog) ListActivePlans(ctx context.Context) ([]*model.MembershipPlan, error) {
	var plans []*model.MembershipPlan
	if c.load(ctx, activePlansKey, &plans) {
		return plans, nil
	}

	plans, err := c.next.ListActivePlans(ctx)
	if err != nil {
		return nil, err
	}
	c.store(ctx, activePlansKey, plans)
	return plans, nil
}

// Invalidate 套餐变更后清理缓存
func (c *CachedCatalog) Invalidate(ctx context.Context, ids ...string) error {
	keys := []string{activePlansKey}
	for _, id := range ids {
		keys = append(keys, planCacheKeyPrefix+id)
	}
	return c.rdb.Del(ctx, keys...).Err()
}

func (c *CachedCatalog) load(ctx context.Context, key string, dst any) bool {
	data, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.WarnContext(ctx, "读取套餐缓存失败，回源查询", slog.String("key", key), logger.Error(err))
		}
		return false
	}
	if err := json.Unmarshal(data, dst); err != nil {
		c.log.WarnContext(ctx, "套餐缓存数据损坏", slog.String("key", key), logger.Error(err))
		return false
	}
	return true
}

func (c *CachedCatalog) store(ctx context.Context, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.log.WarnContext(ctx, "序列化套餐失败", slog.String("key", key), logger.Error(err))
		return
	}
	if err := c.rdb.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.log.WarnContext(ctx, "写入套餐缓存失败", slog.String("key", key), logger.Error(fmt.Errorf("set: %w", err)))
	}
}

// ============================================================================
// 配置文件中的套餐
// ============================================================================

// PlansFromConfig 把配置中的套餐转换为模型
func PlansFromConfig(seeds []config.PlanSeed) ([]*model.MembershipPlan, error) {
	plans := make([]*model.MembershipPlan, 0, len(seeds))
	for _, s := range seeds {
		price, err := decimal.NewFromString(s.Price)
		if err != nil {
			return nil, fmt.Errorf("套餐 %s 价格格式错误: %w", s.ID, err)
		}
		if !price.IsPositive() {
			return nil, fmt.Errorf("套餐 %s 价格必须大于0", s.ID)
		}
		features, err := json.Marshal(s.Features)
		if err != nil {
			return nil, err
		}
		plans = append(plans, &model.MembershipPlan{
			ID:           s.ID,
			Name:         s.Name,
			Price:        price,
			Currency:     s.Currency,
			DurationDays: s.DurationDays,
			Features:     datatypes.JSON(features),
			Active:       s.Active,
		})
	}
	return plans, nil
}

// SeedPlans 启动时写入配置中的套餐，返回写入的套餐 id（用于清理缓存）
func SeedPlans(ctx context.Context, planRepo *repository.PlanRepository, seeds []config.PlanSeed) ([]string, error) {
	plans, err := PlansFromConfig(seeds)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(plans))
	for _, p := range plans {
		if err := planRepo.Upsert(ctx, p); err != nil {
			return nil, fmt.Errorf("写入套餐 %s 失败: %w", p.ID, err)
		}
		ids = append(ids, p.ID)
	}
	return ids, nil
}
