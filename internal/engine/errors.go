package engine

import "errors"

var (
	ErrWrongGroup        = errors.New("message not for this group")
	ErrWrongEpoch        = errors.New("message epoch does not match group epoch")
	ErrUnknownMember     = errors.New("sender is not an occupied roster slot")
	ErrBadSignature      = errors.New("signature verification failed")
	ErrBadConfirmation   = errors.New("confirmation tag failed to verify")
	ErrUnsupportedSuite  = errors.New("unsupported ciphersuite")
	ErrInvalidKeyPackage = errors.New("invalid key package")
	ErrWelcomeNotForUs   = errors.New("welcome not addressed to any owned key package")
	ErrMalformed         = errors.New("malformed message")
	ErrSelfRemoved       = errors.New("local member is not in the group")
	ErrNoPathSecret      = errors.New("commit carries no path secret for local member")
	ErrStaleProposal     = errors.New("proposal was made against an earlier epoch")
	ErrOwnCommit         = errors.New("commit was produced by the local member")
)
