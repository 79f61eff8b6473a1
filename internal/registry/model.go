package registry

// Website is a static registry entry describing a source art website.
// Rows are created once via idempotent upsert and never mutated.
type Website struct {
	WebsiteID string `gorm:"column:website_id;primaryKey;size:64;not null"`
	FullName  string `gorm:"column:full_name;size:190;not null"`
	Link      string `gorm:"column:link;size:512;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Website) TableName() string {
	return "websites"
}

// ArchiveContributor identifies the scraper that produced a snapshot.
// It records provenance, not ownership; the API key authenticates ingest
// requests made on the contributor's behalf.
type ArchiveContributor struct {
	ContributorID int64  `gorm:"column:contributor_id;primaryKey;autoIncrement"`
	Name          string `gorm:"column:name;size:190;not null;uniqueIndex:idx_contributors_name"`
	APIKey        string `gorm:"column:api_key;size:190;index:idx_contributors_api_key"`
}

// TableName provides the explicit table binding for GORM.
func (ArchiveContributor) TableName() string {
	return "archive_contributors"
}

// Saved reports whether the contributor has been assigned a storage identity.
func (c ArchiveContributor) Saved() bool {
	return c.ContributorID != 0
}

// HashAlgo is a registry entry for a hash function, e.g. "python:ahash" or
// "any:sha256". Uniqueness is enforced over (language, algorithm_name).
type HashAlgo struct {
	AlgoID        int64  `gorm:"column:algo_id;primaryKey;autoIncrement"`
	Language      string `gorm:"column:language;size:64;not null;uniqueIndex:idx_hash_algos_language_name,priority:1"`
	AlgorithmName string `gorm:"column:algorithm_name;size:64;not null;uniqueIndex:idx_hash_algos_language_name,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (HashAlgo) TableName() string {
	return "hash_algos"
}
