package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
)

// tableRelayEntity is the on-wire shape of a persisted relay record. Only
// AnalyzerID and the last known State survive a restart; a bind handle is a
// live transport reference and is never durable.
type tableRelayEntity struct {
	PartitionKey string
	RowKey       string
	State        int
}

// TableBackedRelayRegistry is an optional RelayRegistry that layers an
// Azure Table Storage table under MemRelayRegistry, so relay entries (analyzer
// id and last state, not the bound transport) survive a manager restart
// (spec.md §11 domain stack: this is the only
// part of the core that cares about cross-restart persistence — the core
// itself declares no durability guarantee).
type TableBackedRelayRegistry struct {
	mem       *MemRelayRegistry
	client    *aztables.Client
	partition string

	mu sync.Mutex
}

// NewTableBackedRelayRegistry wraps client (an already-resolved aztables
// table client) as a durable RelayRegistry. partition namespaces entities
// within a shared table.
func NewTableBackedRelayRegistry(client *aztables.Client, partition string) *TableBackedRelayRegistry {
	return &TableBackedRelayRegistry{
		mem:       NewMemRelayRegistry(),
		client:    client,
		partition: partition,
	}
}

// LoadAll populates the in-memory cache from the table, reconstructing each
// relay in its last persisted state (always unbound — bindings are not
// durable). Call once at startup before accepting connections.
func (t *TableBackedRelayRegistry) LoadAll(ctx context.Context) error {
	pager := t.client.NewListEntitiesPager(&aztables.ListEntitiesOptions{
		Filter: ptr(fmt.Sprintf("PartitionKey eq '%s'", t.partition)),
	})
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("registry: list relay entities: %w", err)
		}
		for _, raw := range resp.Entities {
			var e tableRelayEntity
			if err := json.Unmarshal(raw, &e); err != nil {
				continue
			}
			id, err := strconv.ParseUint(e.RowKey, 10, 64)
			if err != nil {
				continue
			}
			relay := NewRelay(id)
			relay.state = RelayState(e.State)
			t.mem.byID[id] = relay
		}
	}
	return nil
}

func (t *TableBackedRelayRegistry) SearchReceiver(id uint64) (*Relay, bool) {
	return t.mem.SearchReceiver(id)
}

func (t *TableBackedRelayRegistry) AddReceiver(relay *Relay) error {
	if err := t.mem.AddReceiver(relay); err != nil {
		return err
	}
	return t.persist(relay)
}

func (t *TableBackedRelayRegistry) SetReceiverAlive(relay *Relay) {
	t.mem.SetReceiverAlive(relay)
	_ = t.persist(relay)
}

func (t *TableBackedRelayRegistry) SetDead(relay *Relay) {
	t.mem.SetDead(relay)
	_ = t.persist(relay)
}

func (t *TableBackedRelayRegistry) persist(relay *Relay) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := tableRelayEntity{
		PartitionKey: t.partition,
		RowKey:       strconv.FormatUint(relay.AnalyzerID, 10),
		State:        int(relay.State()),
	}
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	ctx := context.Background()
	_, err = t.client.UpsertEntity(ctx, body, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if ok := asResponseError(err, &respErr); ok && respErr.StatusCode == http.StatusConflict {
			return nil
		}
		return fmt.Errorf("registry: persist relay %d: %w", relay.AnalyzerID, err)
	}
	return nil
}

func asResponseError(err error, target **azcore.ResponseError) bool {
	re, ok := err.(*azcore.ResponseError)
	if ok {
		*target = re
	}
	return ok
}

func ptr(s string) *string { return &s }
