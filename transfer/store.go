package transfer

import (
	"context"

	"github.com/ipfs/go-datastore"

	"github.com/dsconnector/connector/lib/harmony/harmonydb"
	"github.com/dsconnector/connector/store"
	"github.com/dsconnector/connector/store/memstore"
	"github.com/dsconnector/connector/store/sqlstore"
)

type Store interface {
	store.Store[*TransferProcess]

	// FindForCorrelationID looks a transfer up by the counter-party's id.
	// It returns nil if there is none.
	FindForCorrelationID(ctx context.Context, correlationID string) (*TransferProcess, error)
}

func findByCorrelation(ctx context.Context, s store.Store[*TransferProcess], correlationID string) (*TransferProcess, error) {
	res, err := s.Query(ctx, store.QuerySpec{Filter: []store.Criterion{store.Equal("correlationId", correlationID)}, Limit: 1})
	if err != nil || len(res) == 0 {
		return nil, err
	}
	return res[0], nil
}

type MemStore struct {
	*memstore.Store[*TransferProcess]
}

var _ Store = (*MemStore)(nil)

func NewMemStore(ds datastore.Datastore, cfg store.Config) *MemStore {
	if cfg.Name == "" {
		cfg.Name = "transfers"
	}
	return &MemStore{Store: memstore.New[*TransferProcess](ds, cfg, store.Guards[*TransferProcess]{})}
}

func (s *MemStore) FindForCorrelationID(ctx context.Context, correlationID string) (*TransferProcess, error) {
	return findByCorrelation(ctx, s.Store, correlationID)
}

func TransferTable() sqlstore.Table[*TransferProcess] {
	return sqlstore.NewTable[*TransferProcess]("connector_transfer_process",
		sqlstore.Column{Path: "correlationId", Name: "correlation_id"},
		sqlstore.Column{Path: "assetId", Name: "asset_id"},
		sqlstore.Column{Path: "contractId", Name: "contract_id"},
		sqlstore.Column{Path: "protocol", Name: "protocol"},
		sqlstore.Column{Path: "type", Name: "type"},
	)
}

type SQLStore struct {
	*sqlstore.Store[*TransferProcess]
}

var _ Store = (*SQLStore)(nil)

func NewSQLStore(db *harmonydb.DB, cfg store.Config) *SQLStore {
	if cfg.Name == "" {
		cfg.Name = "transfers"
	}
	return &SQLStore{Store: sqlstore.New(db, TransferTable(), cfg, store.Guards[*TransferProcess]{})}
}

func (s *SQLStore) FindForCorrelationID(ctx context.Context, correlationID string) (*TransferProcess, error) {
	return findByCorrelation(ctx, s.Store, correlationID)
}
