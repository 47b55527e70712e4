package app

import (
	"errors"

	"github.com/decred/slog"

	"cloak/internal/crypto"
	"cloak/internal/domain"
	"cloak/internal/engine"
	"cloak/internal/services/credential"
	"cloak/internal/services/keypackage"
	"cloak/internal/services/proposal"
	"cloak/internal/store"
)

// Wire bundles the stores, services and the engine for the CLI.
type Wire struct {
	Engine      *engine.Engine
	Store       domain.KeyStore
	Credentials domain.CredentialProvider
	KeyPackages domain.KeyPackageFactory
	RNG         *crypto.DRBG
}

// NewWire constructs the dependency graph from cfg and establishes the
// client identity.
func NewWire(cfg Config) (*Wire, error) {
	if cfg.Home == "" {
		return nil, errors.New("app: home directory required")
	}
	if cfg.StorageKey == "" {
		return nil, errors.New("app: storage key required")
	}
	log := cfg.Log
	if log == nil {
		log = slog.Disabled
	}

	rng, err := crypto.NewDRBG(cfg.EntropySeed)
	if err != nil {
		return nil, err
	}
	ks, err := store.NewFileStore(cfg.Home, cfg.StorageKey, log)
	if err != nil {
		return nil, err
	}

	creds := credential.New(ks, rng)
	if cfg.ClientID != "" {
		if _, err := creds.Identity([]byte(cfg.ClientID)); err != nil {
			return nil, err
		}
	}
	kps := keypackage.NewFactory(ks, creds, rng)

	eng, err := engine.New(engine.Params{
		Store:       ks,
		Credentials: creds,
		KeyPackages: kps,
		Proposals:   proposal.NewStore(),
		Rand:        rng,
		Log:         log,
	})
	if err != nil {
		return nil, err
	}

	return &Wire{
		Engine:      eng,
		Store:       ks,
		Credentials: creds,
		KeyPackages: kps,
		RNG:         rng,
	}, nil
}
