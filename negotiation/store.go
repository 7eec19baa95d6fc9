package negotiation

import (
	"context"
	"encoding/json"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/ipfs/go-datastore"
	"golang.org/x/xerrors"

	"github.com/dsconnector/connector/lib/harmony/harmonydb"
	"github.com/dsconnector/connector/store"
	"github.com/dsconnector/connector/store/memstore"
	"github.com/dsconnector/connector/store/sqlstore"
)

// Store persists negotiations together with their agreements.
type Store interface {
	store.Store[*ContractNegotiation]

	// FindForCorrelationID looks a negotiation up by the counter-party's id.
	// It returns nil if there is none.
	FindForCorrelationID(ctx context.Context, correlationID string) (*ContractNegotiation, error)

	// FindContractAgreement returns the agreement with id, or nil.
	FindContractAgreement(ctx context.Context, id string) (*ContractAgreement, error)

	QueryAgreements(ctx context.Context, spec store.QuerySpec) ([]*ContractAgreement, error)
}

// Guards keep agreements immutable: once attached, an agreement can neither
// be detached nor replaced, and its negotiation cannot be deleted.
func Guards() store.Guards[*ContractNegotiation] {
	return store.Guards[*ContractNegotiation]{
		BeforeSave: func(old, updated *ContractNegotiation) error {
			if old == nil || old.ContractAgreement == nil {
				return nil
			}
			if updated.ContractAgreement == nil {
				return xerrors.Errorf("negotiation %s: agreement %s cannot be detached: %w", old.ID, old.ContractAgreement.ID, store.ErrConflict)
			}
			if updated.ContractAgreement.ID != old.ContractAgreement.ID {
				return xerrors.Errorf("negotiation %s: agreement id cannot change from %s to %s: %w", old.ID, old.ContractAgreement.ID, updated.ContractAgreement.ID, store.ErrConflict)
			}
			return nil
		},
		BeforeDelete: func(e *ContractNegotiation) error {
			if e.ContractAgreement != nil {
				return xerrors.Errorf("negotiation %s has agreement %s: %w", e.ID, e.ContractAgreement.ID, store.ErrConflict)
			}
			return nil
		},
	}
}

var agreementFields = store.FieldsOf(&ContractAgreement{})

func findByCorrelation(ctx context.Context, s store.Store[*ContractNegotiation], correlationID string) (*ContractNegotiation, error) {
	res, err := s.Query(ctx, store.QuerySpec{Filter: []store.Criterion{store.Equal("correlationId", correlationID)}, Limit: 1})
	if err != nil || len(res) == 0 {
		return nil, err
	}
	return res[0], nil
}

// MemStore keeps negotiations in a go-datastore; agreements are read from
// the negotiations they are attached to.
type MemStore struct {
	*memstore.Store[*ContractNegotiation]
}

var _ Store = (*MemStore)(nil)

func NewMemStore(ds datastore.Datastore, cfg store.Config) *MemStore {
	if cfg.Name == "" {
		cfg.Name = "negotiations"
	}
	return &MemStore{Store: memstore.New[*ContractNegotiation](ds, cfg, Guards())}
}

func (s *MemStore) FindForCorrelationID(ctx context.Context, correlationID string) (*ContractNegotiation, error) {
	return findByCorrelation(ctx, s.Store, correlationID)
}

func (s *MemStore) FindContractAgreement(ctx context.Context, id string) (*ContractAgreement, error) {
	res, err := s.Query(ctx, store.QuerySpec{Filter: []store.Criterion{store.Equal("contractAgreement.id", id)}, Limit: 1})
	if err != nil || len(res) == 0 {
		return nil, err
	}
	return res[0].ContractAgreement, nil
}

func (s *MemStore) QueryAgreements(ctx context.Context, spec store.QuerySpec) ([]*ContractAgreement, error) {
	all, err := s.All(ctx)
	if err != nil {
		return nil, err
	}

	var docs []store.Document
	for _, n := range all {
		if n.ContractAgreement == nil {
			continue
		}
		raw, err := json.Marshal(n.ContractAgreement)
		if err != nil {
			return nil, xerrors.Errorf("encoding agreement %s: %w", n.ContractAgreement.ID, err)
		}
		docs = append(docs, store.Document{ID: n.ContractAgreement.ID, Raw: raw})
	}
	return decodeAgreements(store.Page(docs, spec, agreementFields))
}

func decodeAgreements(docs []store.Document) ([]*ContractAgreement, error) {
	out := make([]*ContractAgreement, 0, len(docs))
	for _, d := range docs {
		var a ContractAgreement
		if err := json.Unmarshal(d.Raw, &a); err != nil {
			return nil, xerrors.Errorf("decoding agreement %s: %w", d.ID, err)
		}
		out = append(out, &a)
	}
	return out, nil
}

const (
	negotiationTable = "connector_contract_negotiation"
	agreementTable   = "connector_contract_agreement"
)

// NegotiationTable mirrors the lookup columns of a negotiation and writes
// its agreement before the negotiation row references it.
func NegotiationTable() sqlstore.Table[*ContractNegotiation] {
	t := sqlstore.NewTable[*ContractNegotiation](negotiationTable,
		sqlstore.Column{Path: "correlationId", Name: "correlation_id"},
		sqlstore.Column{Path: "counterPartyId", Name: "counter_party_id"},
		sqlstore.Column{Path: "counterPartyAddress", Name: "counter_party_address"},
		sqlstore.Column{Path: "protocol", Name: "protocol"},
		sqlstore.Column{Path: "type", Name: "type"},
		sqlstore.Column{Path: "contractAgreement.id", Name: "agreement_id"},
	)
	t.BeforeUpsert = insertAgreement
	return t
}

func insertAgreement(tx *harmonydb.Tx, n *ContractNegotiation) error {
	a := n.ContractAgreement
	if a == nil {
		return nil
	}
	body, err := json.Marshal(a)
	if err != nil {
		return xerrors.Errorf("encoding agreement %s: %w", a.ID, err)
	}
	_, err = tx.Exec(`INSERT INTO connector_contract_agreement (id, provider_id, consumer_id, signing_date, asset_id, body)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb) ON CONFLICT (id) DO NOTHING`,
		a.ID, a.ProviderID, a.ConsumerID, a.ContractSigningDate, a.AssetID, string(body))
	if err != nil {
		return xerrors.Errorf("writing agreement %s: %w", a.ID, err)
	}
	return nil
}

var agreementSchema = sqlstore.NewSchema(agreementTable, agreementFields,
	sqlstore.Column{Path: "id", Name: "id"},
	sqlstore.Column{Path: "providerId", Name: "provider_id"},
	sqlstore.Column{Path: "consumerId", Name: "consumer_id"},
	sqlstore.Column{Path: "contractSigningDate", Name: "signing_date", Kind: sqlstore.ColInt},
	sqlstore.Column{Path: "assetId", Name: "asset_id"},
)

// SQLStore keeps negotiations and agreements in Postgres.
type SQLStore struct {
	*sqlstore.Store[*ContractNegotiation]
	db *harmonydb.DB

	// agreement rows never change once written
	agreements *lru.Cache[string, []byte]
}

const agreementCacheSize = 1024

var _ Store = (*SQLStore)(nil)

func NewSQLStore(db *harmonydb.DB, cfg store.Config) *SQLStore {
	if cfg.Name == "" {
		cfg.Name = "negotiations"
	}
	agreements, err := lru.New[string, []byte](agreementCacheSize)
	if err != nil {
		panic(err) // only fails for a non-positive size
	}
	return &SQLStore{Store: sqlstore.New(db, NegotiationTable(), cfg, Guards()), db: db, agreements: agreements}
}

func (s *SQLStore) FindForCorrelationID(ctx context.Context, correlationID string) (*ContractNegotiation, error) {
	return findByCorrelation(ctx, s.Store, correlationID)
}

func (s *SQLStore) FindContractAgreement(ctx context.Context, id string) (*ContractAgreement, error) {
	if body, ok := s.agreements.Get(id); ok {
		return decodeAgreement(id, body)
	}

	var rows []struct {
		Body []byte `db:"body"`
	}
	if err := s.db.Select(ctx, &rows, `SELECT body FROM connector_contract_agreement WHERE id = $1`, id); err != nil {
		return nil, xerrors.Errorf("loading agreement %s: %w", id, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	s.agreements.Add(id, rows[0].Body)
	return decodeAgreement(id, rows[0].Body)
}

func decodeAgreement(id string, body []byte) (*ContractAgreement, error) {
	var a ContractAgreement
	if err := json.Unmarshal(body, &a); err != nil {
		return nil, xerrors.Errorf("decoding agreement %s: %w", id, err)
	}
	return &a, nil
}

func (s *SQLStore) QueryAgreements(ctx context.Context, spec store.QuerySpec) ([]*ContractAgreement, error) {
	docs, err := agreementSchema.Query(ctx, s.db, spec)
	if err != nil {
		return nil, err
	}
	return decodeAgreements(docs)
}
