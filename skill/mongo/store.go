// Package mongo implements skill.Store against MongoDB, the persistent
// side of the skill registry's merge (spec §4.1, §6 "dynamic_skills").
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/sopforge/orchestrator/skill"
)

const (
	defaultCollection = "dynamic_skills"
	defaultTimeout    = 5 * time.Second
)

// Options configures a Store.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

// Store persists dynamic skills in the dynamic_skills collection, keyed by
// (workspace_id, name) with a generated _id.
type Store struct {
	coll    collection
	timeout time.Duration
}

// New returns a Store backed by opts.Client, ensuring the unique
// (workspace_id, name) index exists.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("skill mongo store: client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("skill mongo store: database name is required")
	}
	collName := opts.Collection
	if collName == "" {
		collName = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	mcoll := opts.Client.Database(opts.Database).Collection(collName)
	wrapper := mongoCollection{coll: mcoll}

	ictx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := ensureIndexes(ictx, wrapper); err != nil {
		return nil, err
	}
	return &Store{coll: wrapper, timeout: timeout}, nil
}

// List returns every persisted skill across all workspaces; the Registry
// applies workspace visibility filtering on top.
func (s *Store) List(ctx context.Context) ([]*skill.Skill, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	cur, err := s.coll.Find(ctx, bson.M{})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []*skill.Skill
	for cur.Next(ctx) {
		var doc skillDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toSkill())
	}
	return out, cur.Err()
}

// Upsert inserts or replaces the document identified by s.ID. It does not
// generate IDs; Registry.Save assigns one before the first insert.
func (s *Store) Upsert(ctx context.Context, sk *skill.Skill) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	doc := fromSkill(sk)
	filter := bson.M{"_id": doc.ID}
	update := bson.M{"$set": doc}
	_, err := s.coll.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	return err
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func ensureIndexes(ctx context.Context, coll collection) error {
	index := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "workspace_id", Value: 1}, {Key: "name", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	_, err := coll.Indexes().CreateOne(ctx, index)
	return err
}
