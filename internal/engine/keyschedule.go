package engine

import (
	"encoding/binary"
)

// epochSecrets is the per-epoch slice of the key schedule. Every value is
// derived from EpochSecret and the epoch's group context; InitSecret chains
// one epoch to the next.
type epochSecrets struct {
	Suite        CipherSuite
	GroupContext []byte `tls:"head=4"`

	EpochSecret       []byte `tls:"head=1"`
	ApplicationSecret []byte `tls:"head=1"`
	ExporterSecret    []byte `tls:"head=1"`
	ConfirmationKey   []byte `tls:"head=1"`
	InitSecret        []byte `tls:"head=1"`
}

func newEpochSecrets(suite CipherSuite, epochSecret, context []byte) epochSecrets {
	return epochSecrets{
		Suite:        suite,
		GroupContext: dup(context),

		EpochSecret:       epochSecret,
		ApplicationSecret: suite.deriveSecret(epochSecret, "app", context),
		ExporterSecret:    suite.deriveSecret(epochSecret, "exporter", context),
		ConfirmationKey:   suite.deriveSecret(epochSecret, "confirm", context),
		InitSecret:        suite.deriveSecret(epochSecret, "init", context),
	}
}

// next ratchets the schedule forward: the new epoch secret binds the commit
// secret to the prior epoch's init secret and the next group context, so a
// member holding neither input cannot follow.
func (es epochSecrets) next(commitSecret, context []byte) epochSecrets {
	earlySecret := es.Suite.hkdfExtract(es.Suite.zero(), es.InitSecret)
	preEpochSecret := es.Suite.deriveSecret(earlySecret, "derived", context)
	epochSecret := es.Suite.hkdfExtract(commitSecret, preEpochSecret)
	return newEpochSecrets(es.Suite, epochSecret, context)
}

// appKeyNonce derives the AEAD key and nonce base for one (sender,
// generation) pair under the current application secret.
func (es epochSecrets) appKeyNonce(sender, generation uint32) (key, nonce []byte) {
	ctx := make([]byte, 8)
	binary.BigEndian.PutUint32(ctx[:4], sender)
	binary.BigEndian.PutUint32(ctx[4:], generation)

	consts := es.Suite.constants()
	key = es.Suite.expandWithLabel(es.ApplicationSecret, "app key", ctx, consts.KeySize)
	nonce = es.Suite.expandWithLabel(es.ApplicationSecret, "app nonce", ctx, consts.NonceSize)
	return key, nonce
}

func (es epochSecrets) confirmation(transcriptHash []byte) []byte {
	return es.Suite.hmacSum(es.ConfirmationKey, transcriptHash)
}

// export derives a labeled secret from the exporter branch, bound to the
// epoch's group context.
func (es epochSecrets) export(label string, context []byte, length int) []byte {
	base := es.Suite.deriveSecret(es.ExporterSecret, label, es.GroupContext)
	return es.Suite.expandWithLabel(base, "exporter", es.Suite.digest(context), length)
}

func (cs CipherSuite) zero() []byte {
	return make([]byte, cs.constants().SecretSize)
}
