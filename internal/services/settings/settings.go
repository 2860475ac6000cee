// Package settings is the keyed per-tax-entity configuration store
package settings

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/findosh/harvest/internal/logger"
	"github.com/findosh/harvest/internal/models"
	"github.com/findosh/harvest/internal/services/tax"
	"github.com/go-playground/validator/v10"
	"github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"
)

const (
	cacheKeyFmt            = "settings_%s"
	DefaultCacheExpiration = 10 * time.Minute
	CacheCleanupInterval   = 30 * time.Minute
)

// Repository persists settings. GetSettings returns nil, nil when the
// entity has no record.
type Repository interface {
	GetSettings(ctx context.Context, taxEntityID string) (*models.HarvestingSettings, error)
	SaveSettings(ctx context.Context, s *models.HarvestingSettings) error
}

// Store validates and caches settings in front of a Repository
type Store struct {
	repo     Repository
	cache    *cache.Cache
	validate *validator.Validate
	mu       sync.Mutex // serializes updates

	defaultTTLHours int
}

// NewStore creates a store. A nil repo keeps settings in memory only.
func NewStore(repo Repository) *Store {
	if repo == nil {
		repo = NewMemoryRepository()
	}
	return &Store{
		repo:     repo,
		cache:    cache.New(DefaultCacheExpiration, CacheCleanupInterval),
		validate: newValidator(),
	}
}

// SetDefaultTTL sets the opportunity horizon used when an entity has none
// stored. Values under an hour are ignored.
func (s *Store) SetDefaultTTL(d time.Duration) {
	if h := int(d / time.Hour); h > 0 {
		s.defaultTTLHours = h
	}
}

func (s *Store) defaults(taxEntityID string) models.HarvestingSettings {
	out := models.DefaultSettings(taxEntityID)
	if s.defaultTTLHours > 0 {
		out.OpportunityTTLHours = s.defaultTTLHours
	}
	return out
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := d.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// Get returns the entity's settings, or the defaults when none are stored
func (s *Store) Get(ctx context.Context, taxEntityID string) (models.HarvestingSettings, error) {
	if strings.TrimSpace(taxEntityID) == "" {
		return models.HarvestingSettings{}, &models.ValidationError{Field: "tax_entity_id", Reason: "is required"}
	}

	key := fmt.Sprintf(cacheKeyFmt, taxEntityID)
	if cached, found := s.cache.Get(key); found {
		return clone(cached.(models.HarvestingSettings)), nil
	}

	stored, err := s.repo.GetSettings(ctx, taxEntityID)
	if err != nil {
		return models.HarvestingSettings{}, fmt.Errorf("failed to load settings for %s: %w", taxEntityID, err)
	}

	out := s.defaults(taxEntityID)
	if stored != nil {
		out = *stored
	}
	s.cache.Set(key, clone(out), cache.DefaultExpiration)
	return out, nil
}

// Update validates next and replaces the entity's settings in place
func (s *Store) Update(ctx context.Context, next models.HarvestingSettings) (models.HarvestingSettings, error) {
	next = s.normalize(next)
	if err := s.Validate(next); err != nil {
		return models.HarvestingSettings{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next.UpdatedAt = time.Now().UTC()
	if err := s.repo.SaveSettings(ctx, &next); err != nil {
		return models.HarvestingSettings{}, fmt.Errorf("failed to save settings for %s: %w", next.TaxEntityID, err)
	}

	s.cache.Set(fmt.Sprintf(cacheKeyFmt, next.TaxEntityID), clone(next), cache.DefaultExpiration)
	logger.L.Info("harvesting settings updated", "entity", next.TaxEntityID, "active", next.IsActive)
	return next, nil
}

// Validate checks rates first so a bad rate surfaces as InvalidRateError,
// then the struct tags
func (s *Store) Validate(in models.HarvestingSettings) error {
	if err := tax.ValidateRate("short_term_tax_rate", in.ShortTermTaxRate); err != nil {
		return err
	}
	if err := tax.ValidateRate("long_term_tax_rate", in.LongTermTaxRate); err != nil {
		return err
	}

	err := s.validate.Struct(in)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return &models.ValidationError{Field: fe.Field(), Reason: describe(fe)}
	}
	return &models.ValidationError{Field: "settings", Reason: err.Error()}
}

// Invalidate drops the cached copy for an entity
func (s *Store) Invalidate(taxEntityID string) {
	s.cache.Delete(fmt.Sprintf(cacheKeyFmt, taxEntityID))
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gte":
		return "must be at least " + fe.Param()
	case "lte":
		return "must be at most " + fe.Param()
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "email":
		return "must be a valid e-mail address"
	case "oneof":
		return "must be one of: " + fe.Param()
	}
	return "failed " + fe.Tag() + " check"
}

func (s *Store) normalize(in models.HarvestingSettings) models.HarvestingSettings {
	in.TaxEntityID = strings.TrimSpace(in.TaxEntityID)
	if in.LotMethod == "" {
		in.LotMethod = models.LotMethodFIFO
	}
	if in.OpportunityTTLHours == 0 {
		in.OpportunityTTLHours = s.defaults(in.TaxEntityID).OpportunityTTLHours
	}

	seen := make(map[string]bool)
	symbols := make([]string, 0, len(in.ExcludedSymbols))
	for _, sym := range in.ExcludedSymbols {
		sym = models.NormalizeSymbol(sym)
		if seen[sym] {
			continue
		}
		seen[sym] = true
		symbols = append(symbols, sym)
	}
	in.ExcludedSymbols = symbols
	return in
}

func clone(in models.HarvestingSettings) models.HarvestingSettings {
	in.ExcludedSymbols = append([]string{}, in.ExcludedSymbols...)
	return in
}

// MemoryRepository keeps settings in a map
type MemoryRepository struct {
	mu   sync.RWMutex
	data map[string]models.HarvestingSettings
}

// NewMemoryRepository creates an empty in-memory repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{data: make(map[string]models.HarvestingSettings)}
}

// GetSettings implements Repository
func (m *MemoryRepository) GetSettings(_ context.Context, taxEntityID string) (*models.HarvestingSettings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.data[taxEntityID]
	if !ok {
		return nil, nil
	}
	c := clone(s)
	return &c, nil
}

// SaveSettings implements Repository
func (m *MemoryRepository) SaveSettings(_ context.Context, s *models.HarvestingSettings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[s.TaxEntityID] = clone(*s)
	return nil
}
