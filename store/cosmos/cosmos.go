// Package cosmos stores identity records as documents in an Azure Cosmos DB
// container partitioned by identity id.
package cosmos

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/azcosmos"

	jsoncodec "github.com/drblury/identityhistory/internal/runtime/jsoncodec"
	"github.com/drblury/identityhistory/store"
)

// BackendName is the DocumentDbConfig.DbBackend value selecting this store.
const BackendName = "CosmosDb"

// DefaultMaxRetries bounds the optimistic concurrency loop of one write.
const DefaultMaxRetries = 5

// DefaultMaxHistory keeps a document well below the 2MB Cosmos DB item limit.
const DefaultMaxHistory = 500

type Config struct {
	Endpoint    string
	Key         string
	DatabaseId  string
	ContainerId string
	// MaxRetries bounds etag conflicts per write before ErrConflict.
	MaxRetries int
	// MaxHistory caps the retained history; the oldest entries go first.
	MaxHistory int
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.MaxHistory <= 0 {
		c.MaxHistory = DefaultMaxHistory
	}
	return c
}

func (c Config) validate() error {
	var errs []error
	if c.Endpoint == "" {
		errs = append(errs, errors.New("cosmos: endpoint is required"))
	}
	if c.Key == "" {
		errs = append(errs, errors.New("cosmos: key is required"))
	}
	if c.DatabaseId == "" {
		errs = append(errs, errors.New("cosmos: database id is required"))
	}
	if c.ContainerId == "" {
		errs = append(errs, errors.New("cosmos: container id is required"))
	}
	return errors.Join(errs...)
}

// ItemContainer is the subset of *azcosmos.ContainerClient the store uses.
type ItemContainer interface {
	ReadItem(ctx context.Context, partitionKey azcosmos.PartitionKey, itemId string, o *azcosmos.ItemOptions) (azcosmos.ItemResponse, error)
	CreateItem(ctx context.Context, partitionKey azcosmos.PartitionKey, item []byte, o *azcosmos.ItemOptions) (azcosmos.ItemResponse, error)
	ReplaceItem(ctx context.Context, partitionKey azcosmos.PartitionKey, itemId string, item []byte, o *azcosmos.ItemOptions) (azcosmos.ItemResponse, error)
}

// ContainerFactory builds the container client; tests replace it.
var ContainerFactory = func(cfg Config) (ItemContainer, error) {
	cred, err := azcosmos.NewKeyCredential(cfg.Key)
	if err != nil {
		return nil, fmt.Errorf("cosmos: key credential: %w", err)
	}
	client, err := azcosmos.NewClientWithKey(cfg.Endpoint, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("cosmos: client: %w", err)
	}
	container, err := client.NewContainer(cfg.DatabaseId, cfg.ContainerId)
	if err != nil {
		return nil, fmt.Errorf("cosmos: container: %w", err)
	}
	return container, nil
}

// Store implements store.Store on a Cosmos DB container.
type Store struct {
	container  ItemContainer
	maxRetries int
	maxHistory int
}

// Open builds the container client. No request is sent until first use.
func Open(cfg Config) (*Store, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	container, err := ContainerFactory(cfg)
	if err != nil {
		return nil, err
	}
	return New(container, cfg.MaxRetries).WithMaxHistory(cfg.MaxHistory), nil
}

// New wraps an existing container client.
func New(container ItemContainer, maxRetries int) *Store {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Store{container: container, maxRetries: maxRetries, maxHistory: DefaultMaxHistory}
}

// WithMaxHistory sets how many history entries a document retains.
// Non-positive values keep DefaultMaxHistory.
func (s *Store) WithMaxHistory(n int) *Store {
	if n > 0 {
		s.maxHistory = n
	}
	return s
}

func (s *Store) apply(rec store.Record, change store.Change) store.Record {
	next := rec.Apply(change)
	if extra := len(next.History) - s.maxHistory; extra > 0 {
		next.History = append([]store.Change(nil), next.History[extra:]...)
	}
	return next
}

func (s *Store) LastAppliedVersion(ctx context.Context, identityID string) (uint64, bool, error) {
	rec, _, err := s.read(ctx, identityID)
	if errors.Is(err, store.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return rec.Version, true, nil
}

// UpsertIfNewer reads the document, compares versions and writes with an
// etag precondition. A lost race (409 on create, 412 on replace) rereads and
// compares again.
func (s *Store) UpsertIfNewer(ctx context.Context, identityID string, version uint64, change store.Change) (store.Outcome, error) {
	if err := store.CheckWrite(identityID, version); err != nil {
		return 0, err
	}
	change.Version = version
	pk := azcosmos.NewPartitionKeyString(identityID)

	for attempt := 0; attempt < s.maxRetries; attempt++ {
		current, etag, err := s.read(ctx, identityID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			body, err := jsoncodec.Marshal(s.apply(store.Record{ID: identityID}, change))
			if err != nil {
				return 0, fmt.Errorf("cosmos: encode %s: %w", identityID, err)
			}
			_, err = s.container.CreateItem(ctx, pk, body, nil)
			if hasStatus(err, http.StatusConflict) {
				continue
			}
			if err != nil {
				return 0, fmt.Errorf("cosmos: create %s: %w", identityID, err)
			}
			return store.Applied, nil
		case err != nil:
			return 0, err
		}

		if current.Version >= version {
			return store.Skipped, nil
		}
		body, err := jsoncodec.Marshal(s.apply(current, change))
		if err != nil {
			return 0, fmt.Errorf("cosmos: encode %s: %w", identityID, err)
		}
		_, err = s.container.ReplaceItem(ctx, pk, identityID, body, &azcosmos.ItemOptions{IfMatchEtag: &etag})
		if hasStatus(err, http.StatusPreconditionFailed) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("cosmos: replace %s: %w", identityID, err)
		}
		return store.Applied, nil
	}
	return 0, fmt.Errorf("cosmos: %s after %d attempts: %w", identityID, s.maxRetries, store.ErrConflict)
}

func (s *Store) Get(ctx context.Context, identityID string) (store.Record, error) {
	rec, _, err := s.read(ctx, identityID)
	return rec, err
}

func (s *Store) Close() error { return nil }

func (s *Store) read(ctx context.Context, identityID string) (store.Record, azcore.ETag, error) {
	resp, err := s.container.ReadItem(ctx, azcosmos.NewPartitionKeyString(identityID), identityID, nil)
	if hasStatus(err, http.StatusNotFound) {
		return store.Record{}, "", store.ErrNotFound
	}
	if err != nil {
		return store.Record{}, "", fmt.Errorf("cosmos: read %s: %w", identityID, err)
	}
	var rec store.Record
	if err := jsoncodec.Unmarshal(resp.Value, &rec); err != nil {
		return store.Record{}, "", fmt.Errorf("cosmos: decode %s: %w", identityID, err)
	}
	return rec, resp.ETag, nil
}

func hasStatus(err error, status int) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == status
}
