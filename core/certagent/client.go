package certagent

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/certificate"
	"github.com/go-acme/lego/v4/challenge"
	"github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/registration"
)

// ACMEClient is the slice of the ACME client the agent needs. The
// indirection keeps issuer round-trips out of tests and allows swapping
// the protocol implementation.
type ACMEClient interface {
	Register(options registration.RegisterOptions) (*registration.Resource, error)
	SetHTTP01Provider(provider challenge.Provider) error
	Obtain(request certificate.ObtainRequest) (*certificate.Resource, error)
}

// ClientFactory builds an ACME client bound to an account email and issuer
// directory URL.
type ClientFactory func(email, caDirURL string) (ACMEClient, error)

// accountUser satisfies lego's registration.User.
type accountUser struct {
	email        string
	registration *registration.Resource
	key          crypto.PrivateKey
}

func (u *accountUser) GetEmail() string                        { return u.email }
func (u *accountUser) GetRegistration() *registration.Resource { return u.registration }
func (u *accountUser) GetPrivateKey() crypto.PrivateKey        { return u.key }

type legoClientAdapter struct {
	client *lego.Client
	user   *accountUser
}

func newLegoClient(email, caDirURL string) (ACMEClient, error) {
	accountKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate account key: %w", err)
	}

	user := &accountUser{
		email: email,
		key:   accountKey,
	}

	cfg := lego.NewConfig(user)
	cfg.CADirURL = caDirURL
	cfg.Certificate.KeyType = certcrypto.EC256

	client, err := lego.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create acme client: %w", err)
	}

	return &legoClientAdapter{client: client, user: user}, nil
}

func (l *legoClientAdapter) Register(options registration.RegisterOptions) (*registration.Resource, error) {
	reg, err := l.client.Registration.Register(options)
	if err != nil {
		return nil, err
	}
	l.user.registration = reg
	return reg, nil
}

func (l *legoClientAdapter) SetHTTP01Provider(provider challenge.Provider) error {
	return l.client.Challenge.SetHTTP01Provider(provider)
}

func (l *legoClientAdapter) Obtain(request certificate.ObtainRequest) (*certificate.Resource, error) {
	return l.client.Certificate.Obtain(request)
}
