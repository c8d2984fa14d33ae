package engine

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/cisco/go-hpke"
	syntax "github.com/cisco/go-tls-syntax"
	"golang.org/x/crypto/hkdf"
)

type CipherSuite uint16

const (
	X25519_SHA256_AES128GCM CipherSuite = 0x0001
)

func (cs CipherSuite) String() string {
	switch cs {
	case X25519_SHA256_AES128GCM:
		return "X25519_SHA256_AES128GCM"
	}
	return fmt.Sprintf("CipherSuite(%04x)", uint16(cs))
}

func (cs CipherSuite) Supported() bool {
	return cs == X25519_SHA256_AES128GCM
}

type suiteConstants struct {
	KeySize    int
	NonceSize  int
	SecretSize int
}

func (cs CipherSuite) constants() suiteConstants {
	return suiteConstants{
		KeySize:    16,
		NonceSize:  12,
		SecretSize: 32,
	}
}

func (cs CipherSuite) hpke() hpke.CipherSuite {
	suite, err := hpke.AssembleCipherSuite(hpke.DHKEM_X25519, hpke.KDF_HKDF_SHA256, hpke.AEAD_AESGCM128)
	if err != nil {
		panic(fmt.Errorf("engine: hpke suite assembly failed: %v", err))
	}
	return suite
}

func (cs CipherSuite) digest(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

func (cs CipherSuite) hmacSum(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func (cs CipherSuite) hkdfExtract(ikm, salt []byte) []byte {
	return hkdf.Extract(sha256.New, ikm, salt)
}

// struct {
//   uint16 length;
//   opaque label<7..255>;
//   opaque context<0..2^8-1>;
// } HkdfLabel;
type hkdfLabel struct {
	Length  uint16
	Label   []byte `tls:"head=1"`
	Context []byte `tls:"head=1"`
}

func (cs CipherSuite) expandWithLabel(secret []byte, label string, context []byte, length int) []byte {
	labelData, err := syntax.Marshal(hkdfLabel{
		Length:  uint16(length),
		Label:   []byte("mls10 " + label),
		Context: context,
	})
	if err != nil {
		panic(fmt.Errorf("engine: hkdf label marshal failed: %v", err))
	}

	out := make([]byte, length)
	r := hkdf.Expand(sha256.New, secret, labelData)
	if _, err := io.ReadFull(r, out); err != nil {
		panic(fmt.Errorf("engine: hkdf expand failed: %v", err))
	}
	return out
}

func (cs CipherSuite) deriveSecret(secret []byte, label string, context []byte) []byte {
	return cs.expandWithLabel(secret, label, cs.digest(context), cs.constants().SecretSize)
}

func (cs CipherSuite) newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// hpkeSeal encrypts pt to the serialized KEM public key pub.
func (cs CipherSuite) hpkeSeal(pub, aad, pt []byte) (kemOutput, ct []byte, err error) {
	suite := cs.hpke()
	pkR, err := suite.KEM.Unmarshal(pub)
	if err != nil {
		return nil, nil, err
	}
	enc, ctx, err := hpke.SetupBaseS(suite, rand.Reader, pkR, nil)
	if err != nil {
		return nil, nil, err
	}
	return enc, ctx.Seal(aad, pt), nil
}

// hpkeOpen decrypts ct with the serialized KEM private key priv.
func (cs CipherSuite) hpkeOpen(priv, kemOutput, aad, ct []byte) ([]byte, error) {
	suite := cs.hpke()
	skR, err := suite.KEM.UnmarshalPrivate(priv)
	if err != nil {
		return nil, err
	}
	ctx, err := hpke.SetupBaseR(suite, skR, kemOutput, nil)
	if err != nil {
		return nil, err
	}
	return ctx.Open(aad, ct)
}

// hpkeGenerate returns a fresh serialized KEM key pair.
func (cs CipherSuite) hpkeGenerate() (priv, pub []byte, err error) {
	suite := cs.hpke()
	skR, pkR, err := suite.KEM.GenerateKeyPair(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return suite.KEM.MarshalPrivate(skR), suite.KEM.Marshal(pkR), nil
}

func randomBytes(n int) []byte {
	out := make([]byte, n)
	if _, err := rand.Read(out); err != nil {
		panic(fmt.Errorf("engine: entropy unavailable: %v", err))
	}
	return out
}

func dup(in []byte) []byte {
	out := make([]byte, len(in))
	copy(out, in)
	return out
}
