package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrWebsiteNotFound indicates a lookup for a website id with no registry entry.
	ErrWebsiteNotFound = errors.New("registry: website not found")
	// ErrHashAlgoNotFound indicates a lookup for an unregistered hash algorithm.
	ErrHashAlgoNotFound = errors.New("registry: hash algo not found")
	// ErrContributorNotFound indicates a lookup for an unknown contributor.
	ErrContributorNotFound = errors.New("registry: contributor not found")
	// ErrUnknownAPIKey indicates an ingest API key that maps to no contributor.
	ErrUnknownAPIKey = errors.New("registry: unknown api key")
	// ErrInvalidRegistryEntry indicates a registry upsert with missing required fields.
	ErrInvalidRegistryEntry = errors.New("registry: invalid registry entry")
)

// ServiceConfig describes the dependencies required by the registry service.
type ServiceConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Service manages the static registries: websites, archive contributors and
// hash algorithms. All writes are idempotent upserts; entries are never
// mutated or deleted in normal operation.
type Service struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewService constructs the registry service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("registry: database connection required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: cfg.Database, logger: logger}, nil
}

// EnsureWebsite creates the website entry if it does not exist and returns the
// stored row. Concurrent creators race safely on the primary key; the loser
// adopts the existing row.
func (s *Service) EnsureWebsite(ctx context.Context, website Website) (Website, error) {
	if strings.TrimSpace(website.WebsiteID) == "" {
		return Website{}, fmt.Errorf("%w: website id is required", ErrInvalidRegistryEntry)
	}
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&website)
	if result.Error != nil {
		return Website{}, result.Error
	}
	if result.RowsAffected == 0 {
		var existing Website
		if err := s.db.WithContext(ctx).Where("website_id = ?", website.WebsiteID).First(&existing).Error; err != nil {
			return Website{}, err
		}
		return existing, nil
	}
	s.logger.Info("website registered", zap.String("website_id", website.WebsiteID))
	return website, nil
}

// WebsiteByID returns the website entry for the given id.
func (s *Service) WebsiteByID(ctx context.Context, websiteID string) (Website, error) {
	var website Website
	err := s.db.WithContext(ctx).Where("website_id = ?", websiteID).First(&website).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Website{}, fmt.Errorf("%w: %s", ErrWebsiteNotFound, websiteID)
	}
	if err != nil {
		return Website{}, err
	}
	return website, nil
}

// ListWebsites returns every registered website.
func (s *Service) ListWebsites(ctx context.Context) ([]Website, error) {
	var websites []Website
	if err := s.db.WithContext(ctx).Order("website_id").Find(&websites).Error; err != nil {
		return nil, err
	}
	return websites, nil
}

// EnsureContributor upserts a contributor by unique name and returns the
// stored row. A freshly created contributor with no API key is assigned one.
func (s *Service) EnsureContributor(ctx context.Context, contributor ArchiveContributor) (ArchiveContributor, error) {
	contributor.Name = strings.TrimSpace(contributor.Name)
	if contributor.Name == "" {
		return ArchiveContributor{}, fmt.Errorf("%w: contributor name is required", ErrInvalidRegistryEntry)
	}
	if contributor.APIKey == "" {
		key, err := mintAPIKey()
		if err != nil {
			return ArchiveContributor{}, err
		}
		contributor.APIKey = key
	}
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "name"}}, DoNothing: true}).
		Create(&contributor)
	if result.Error != nil {
		return ArchiveContributor{}, result.Error
	}
	if result.RowsAffected == 0 {
		return s.ContributorByName(ctx, contributor.Name)
	}
	s.logger.Info("contributor registered",
		zap.Int64("contributor_id", contributor.ContributorID),
		zap.String("name", contributor.Name),
	)
	return contributor, nil
}

// ContributorByName returns the contributor with the given unique name.
func (s *Service) ContributorByName(ctx context.Context, name string) (ArchiveContributor, error) {
	var contributor ArchiveContributor
	err := s.db.WithContext(ctx).Where("name = ?", name).First(&contributor).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ArchiveContributor{}, fmt.Errorf("%w: %s", ErrContributorNotFound, name)
	}
	if err != nil {
		return ArchiveContributor{}, err
	}
	return contributor, nil
}

// ResolveAPIKey maps an ingest API key to its contributor. Callers must treat
// ErrUnknownAPIKey as an authentication failure, not a storage fault.
func (s *Service) ResolveAPIKey(ctx context.Context, apiKey string) (ArchiveContributor, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return ArchiveContributor{}, ErrUnknownAPIKey
	}
	var contributor ArchiveContributor
	err := s.db.WithContext(ctx).Where("api_key = ?", apiKey).First(&contributor).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ArchiveContributor{}, ErrUnknownAPIKey
	}
	if err != nil {
		return ArchiveContributor{}, err
	}
	return contributor, nil
}

// EnsureHashAlgo upserts a hash algorithm by (language, algorithm_name).
func (s *Service) EnsureHashAlgo(ctx context.Context, algo HashAlgo) (HashAlgo, error) {
	algo.Language = strings.TrimSpace(algo.Language)
	algo.AlgorithmName = strings.TrimSpace(algo.AlgorithmName)
	if algo.Language == "" || algo.AlgorithmName == "" {
		return HashAlgo{}, fmt.Errorf("%w: hash algo language and name are required", ErrInvalidRegistryEntry)
	}
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "language"}, {Name: "algorithm_name"}},
			DoNothing: true,
		}).
		Create(&algo)
	if result.Error != nil {
		return HashAlgo{}, result.Error
	}
	if result.RowsAffected == 0 {
		var existing HashAlgo
		err := s.db.WithContext(ctx).
			Where("language = ? AND algorithm_name = ?", algo.Language, algo.AlgorithmName).
			First(&existing).Error
		if err != nil {
			return HashAlgo{}, err
		}
		return existing, nil
	}
	s.logger.Info("hash algo registered",
		zap.Int64("algo_id", algo.AlgoID),
		zap.String("language", algo.Language),
		zap.String("algorithm_name", algo.AlgorithmName),
	)
	return algo, nil
}

// HashAlgoByID returns the hash algorithm with the given identity.
func (s *Service) HashAlgoByID(ctx context.Context, algoID int64) (HashAlgo, error) {
	var algo HashAlgo
	err := s.db.WithContext(ctx).Where("algo_id = ?", algoID).First(&algo).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return HashAlgo{}, fmt.Errorf("%w: %d", ErrHashAlgoNotFound, algoID)
	}
	if err != nil {
		return HashAlgo{}, err
	}
	return algo, nil
}

// ListHashAlgos returns every registered hash algorithm.
func (s *Service) ListHashAlgos(ctx context.Context) ([]HashAlgo, error) {
	var algos []HashAlgo
	if err := s.db.WithContext(ctx).Order("algo_id").Find(&algos).Error; err != nil {
		return nil, err
	}
	return algos, nil
}

func mintAPIKey() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}
