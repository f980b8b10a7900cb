package graph

import (
	"context"
	"sync"
)

// MemoryClient records statements instead of executing them.
type MemoryClient struct {
	mu           sync.Mutex
	batches      [][]Statement
	err          error
	connectivity error
}

// NewMemoryClient creates an empty recording client.
func NewMemoryClient() *MemoryClient {
	return &MemoryClient{}
}

// WithError makes subsequent writes fail with err.
func (m *MemoryClient) WithError(err error) *MemoryClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// WithConnectivityError forces VerifyConnectivity to return err.
func (m *MemoryClient) WithConnectivityError(err error) *MemoryClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectivity = err
	return m
}

func (m *MemoryClient) ExecuteWrite(_ context.Context, statements ...Statement) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return m.err
	}

	batch := make([]Statement, len(statements))
	for i, st := range statements {
		batch[i] = Statement{Cypher: st.Cypher, Params: cloneMap(st.Params)}
	}
	m.batches = append(m.batches, batch)
	return nil
}

func (m *MemoryClient) VerifyConnectivity(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectivity
}

func (m *MemoryClient) Close(context.Context) error {
	return nil
}

// Batches returns every recorded write transaction.
func (m *MemoryClient) Batches() [][]Statement {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]Statement(nil), m.batches...)
}

func cloneMap(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
