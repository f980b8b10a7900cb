// Package graph persists cluster results to a property graph.
package graph

import (
	"context"
	"errors"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Client is the minimal contract the sink needs from a graph database.
type Client interface {
	// ExecuteWrite runs the statements in order inside one write transaction.
	ExecuteWrite(ctx context.Context, statements ...Statement) error
	VerifyConnectivity(ctx context.Context) error
	Close(ctx context.Context) error
}

// Statement is a parameterised cypher query.
type Statement struct {
	Cypher string
	Params map[string]any
}

// Options configures a graph client implementation.
type Options struct {
	URI            string
	Database       string
	Username       string
	Password       string
	MaxConnections int
}

// OptionsFromConfig maps the graph section of the service config.
func OptionsFromConfig(cfg domain.GraphConfig) Options {
	return Options{
		URI:            cfg.URI,
		Database:       cfg.Database,
		Username:       cfg.Username,
		Password:       cfg.Password,
		MaxConnections: cfg.MaxConnections,
	}
}

// ErrMissingURI indicates the graph URI is not provided.
var ErrMissingURI = errors.New("graph URI is required")
