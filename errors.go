package marmot

import (
	"errors"
	"fmt"

	"github.com/parres-hq/marmot/internal/engine"
	"github.com/parres-hq/marmot/internal/store"
)

// Every operation failure wraps exactly one of these sentinels, so callers
// can branch with errors.Is without parsing messages.
var (
	ErrNotInitialized          = errors.New("marmot: session not initialized")
	ErrInvalidInput            = errors.New("marmot: invalid input")
	ErrGroupNotFound           = errors.New("marmot: group not found")
	ErrMemberNotFound          = errors.New("marmot: member not found")
	ErrInvalidKeyPackage       = errors.New("marmot: invalid key package")
	ErrGroupCreation           = errors.New("marmot: group creation failed")
	ErrStaleProposal           = errors.New("marmot: proposal references a superseded epoch")
	ErrEpochMismatch           = errors.New("marmot: message epoch does not match group epoch")
	ErrNotAMember              = errors.New("marmot: local identity is not a group member")
	ErrWelcomeDecryption       = errors.New("marmot: welcome not decryptable with owned key packages")
	ErrMalformedWelcome        = errors.New("marmot: malformed welcome")
	ErrWelcomeAlreadyProcessed = errors.New("marmot: welcome already processed")
	ErrStorage                 = errors.New("marmot: storage failure")
	ErrLockContention          = errors.New("marmot: session busy, retry")
)

// storageErr wraps persistence-boundary failures under ErrStorage.
func storageErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrStorage, err)
}

// engineErr maps engine failures onto the public taxonomy. Anything without
// a sharper classification surfaces as ErrInvalidInput so no failure is
// swallowed into a default value.
func engineErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, engine.ErrWrongEpoch):
		return fmt.Errorf("%w: %v", ErrEpochMismatch, err)
	case errors.Is(err, engine.ErrStaleProposal):
		return fmt.Errorf("%w: %v", ErrStaleProposal, err)
	case errors.Is(err, engine.ErrUnknownMember):
		return fmt.Errorf("%w: %v", ErrMemberNotFound, err)
	case errors.Is(err, engine.ErrSelfRemoved):
		return fmt.Errorf("%w: %v", ErrNotAMember, err)
	case errors.Is(err, engine.ErrInvalidKeyPackage), errors.Is(err, engine.ErrUnsupportedSuite):
		return fmt.Errorf("%w: %v", ErrInvalidKeyPackage, err)
	case errors.Is(err, engine.ErrWelcomeNotForUs):
		return fmt.Errorf("%w: %v", ErrWelcomeDecryption, err)
	default:
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
}

// notFoundAs rewrites the store's not-found onto the given sentinel and
// everything else onto ErrStorage.
func notFoundAs(err, sentinel error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return sentinel
	}
	return storageErr(err)
}
