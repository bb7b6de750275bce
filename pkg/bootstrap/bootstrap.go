// Package bootstrap implements the Account Bootstrapper: creates the
// root and application accounts exactly once per cluster lifetime, per
// §4.6. Grounded on the teacher's pkg/deploy/initialize.go for the
// connect-unauthenticated-then-createUser idiom, adapted from its
// supervisord-driven local bootstrap to a primary-connection one run by
// the Actuator's OnInitiated hook.
package bootstrap

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/crypto/bcrypt"

	"github.com/zph/rsopctl/pkg/logger"
	"github.com/zph/rsopctl/pkg/rserrors"
	"github.com/zph/rsopctl/pkg/rstypes"
)

// Config carries the accounts the bootstrapper must ensure exist.
type Config struct {
	RootUsername string
	RootPassword string

	AppDatabase string
	AppUsername string
	AppPassword string

	ConnectTimeout time.Duration
}

// Bootstrapper runs the one-time account creation sequence.
type Bootstrapper struct {
	Config Config
}

// New returns a Bootstrapper with the spec's defaults applied.
func New(cfg Config) *Bootstrapper {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	return &Bootstrapper{Config: cfg}
}

// Run executes §4.6's steps against primary. It is idempotent: if a user
// already exists, that step is a no-op, and any failure is returned as a
// BootstrapError for the caller to log and retry next cycle.
func (b *Bootstrapper) Run(ctx context.Context, primary rstypes.NodeEndpoint) error {
	ctx, cancel := context.WithTimeout(ctx, b.Config.ConnectTimeout)
	defer cancel()

	// Step 1: connect unauthenticated, relying on the localhost exception
	// that MongoDB grants when no users exist yet in admin.
	client, err := mongo.Connect(ctx, options.Client().
		ApplyURI("mongodb://"+primary.Host()).
		SetDirect(true).
		SetConnectTimeout(b.Config.ConnectTimeout).
		SetServerSelectionTimeout(b.Config.ConnectTimeout))
	if err != nil {
		return &rserrors.BootstrapError{Cause: err}
	}
	defer client.Disconnect(ctx)

	admin := client.Database("admin")

	rootExists, err := userExists(ctx, admin, b.Config.RootUsername)
	if err != nil {
		return &rserrors.BootstrapError{Cause: err}
	}
	if !rootExists {
		if err := createUser(ctx, admin, b.Config.RootUsername, b.Config.RootPassword, []bson.M{{"role": "root", "db": "admin"}}); err != nil {
			return &rserrors.BootstrapError{Cause: err}
		}
		logger.Info("created root account", logger.Fields{"user": b.Config.RootUsername, "fingerprint": passwordFingerprint(b.Config.RootPassword)})
	}

	// Step 3: reconnect authenticated as root for the remaining steps.
	authClient, err := mongo.Connect(ctx, options.Client().
		ApplyURI("mongodb://"+primary.Host()).
		SetDirect(true).
		SetConnectTimeout(b.Config.ConnectTimeout).
		SetServerSelectionTimeout(b.Config.ConnectTimeout).
		SetAuth(options.Credential{Username: b.Config.RootUsername, Password: b.Config.RootPassword, AuthSource: "admin"}))
	if err != nil {
		return &rserrors.BootstrapError{Cause: err}
	}
	defer authClient.Disconnect(ctx)

	appDB := authClient.Database(b.Config.AppDatabase)
	adminAuthed := authClient.Database("admin")

	appExists, err := userExists(ctx, adminAuthed, b.Config.AppUsername)
	if err != nil {
		return &rserrors.BootstrapError{Cause: err}
	}
	if appExists {
		return nil
	}

	if err := ensureAppDatabase(ctx, appDB); err != nil {
		return &rserrors.BootstrapError{Cause: err}
	}

	roles := []bson.M{{"role": "readWrite", "db": b.Config.AppDatabase}}
	if err := createUserOn(ctx, appDB, b.Config.AppUsername, b.Config.AppPassword, roles); err != nil {
		return &rserrors.BootstrapError{Cause: err}
	}
	logger.Info("created application account", logger.Fields{"user": b.Config.AppUsername, "database": b.Config.AppDatabase, "fingerprint": passwordFingerprint(b.Config.AppPassword)})

	return nil
}

// passwordFingerprint returns a short bcrypt hash of a password for audit
// logs, never the password itself.
func passwordFingerprint(password string) string {
	sum, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		return "unavailable"
	}
	return string(sum[len(sum)-12:])
}

func userExists(ctx context.Context, db *mongo.Database, username string) (bool, error) {
	var reply bson.M
	err := db.RunCommand(ctx, bson.D{{Key: "usersInfo", Value: username}}).Decode(&reply)
	if err != nil {
		return false, err
	}
	users, ok := reply["users"].(bson.A)
	if !ok {
		return false, nil
	}
	return len(users) > 0, nil
}

func createUser(ctx context.Context, db *mongo.Database, username, password string, roles []bson.M) error {
	cmd := bson.D{
		{Key: "createUser", Value: username},
		{Key: "pwd", Value: password},
		{Key: "roles", Value: roles},
	}
	return db.RunCommand(ctx, cmd).Err()
}

func createUserOn(ctx context.Context, db *mongo.Database, username, password string, roles []bson.M) error {
	return createUser(ctx, db, username, password, roles)
}

// ensureAppDatabase makes the application database durable even before
// any collections exist, by creating a sentinel collection. createCollection
// is itself idempotent against an already-existing collection.
func ensureAppDatabase(ctx context.Context, db *mongo.Database) error {
	err := db.CreateCollection(ctx, "_bootstrap")
	if err == nil {
		return nil
	}
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) && cmdErr.Code == 48 { // NamespaceExists
		return nil
	}
	return err
}
