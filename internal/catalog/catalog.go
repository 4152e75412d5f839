// Package catalog stores the per-title documents in MongoDB. Every document
// is keyed by imdbId; all writes are field-level $set updates so the
// normalizer and the enricher never overwrite each other's fields.
package catalog

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/vrsandeep/imdb-etl/internal/models"
)

// ErrNotFound is returned when no document exists for an imdbId.
var ErrNotFound = errors.New("title not found in catalog")

// Catalog is the document store.
type Catalog struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// Connect opens a client, verifies it and ensures the collection indexes.
func Connect(ctx context.Context, uri, database, collection string) (*Catalog, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	c := &Catalog{client: client, coll: client.Database(database).Collection(collection)}
	if err := c.ensureIndexes(ctx); err != nil {
		client.Disconnect(ctx)
		return nil, err
	}
	return c, nil
}

func (c *Catalog) ensureIndexes(ctx context.Context) error {
	_, err := c.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "imdbId", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("imdbId_unique"),
		},
		{
			Keys:    bson.D{{Key: "titleType", Value: 1}, {Key: "imdbId", Value: -1}},
			Options: options.Index().SetName("titleType_imdbId"),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create catalog indexes: %w", err)
	}
	return nil
}

// UpsertNormalized sets the normalized fields of a title, creating the
// document when it does not exist. Enrichment fields are left untouched.
func (c *Catalog) UpsertNormalized(ctx context.Context, t *models.NormalizedTitle) error {
	update, err := NormalizedUpdate(t)
	if err != nil {
		return fmt.Errorf("building update for %s: %w", t.ImdbID, err)
	}
	_, err = c.coll.UpdateOne(ctx,
		bson.M{"imdbId": t.ImdbID},
		update,
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("upserting %s: %w", t.ImdbID, err)
	}
	return nil
}

// NormalizedUpdate builds the update that replaces every normalized field.
// A series always gets its seasons set, an empty map included; any other
// type has a stale seasons field removed.
func NormalizedUpdate(t *models.NormalizedTitle) (bson.M, error) {
	raw, err := bson.Marshal(t)
	if err != nil {
		return nil, err
	}
	set := bson.M{}
	if err := bson.Unmarshal(raw, &set); err != nil {
		return nil, err
	}

	if !t.IsSeries() {
		delete(set, "seasons")
		return bson.M{"$set": set, "$unset": bson.M{"seasons": ""}}, nil
	}
	seasons := t.Seasons
	if seasons == nil {
		seasons = map[string][]models.Episode{}
	}
	set["seasons"] = seasons
	return bson.M{"$set": set}, nil
}

// MergeComplement sets the enrichment fields of an existing title and
// returns the merged document.
func (c *Catalog) MergeComplement(ctx context.Context, imdbID string, comp *models.Complement) (*models.ComplementedTitle, error) {
	var merged models.ComplementedTitle
	err := c.coll.FindOneAndUpdate(ctx,
		bson.M{"imdbId": imdbID},
		bson.M{"$set": comp},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&merged)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, imdbID)
	}
	if err != nil {
		return nil, fmt.Errorf("merging complement into %s: %w", imdbID, err)
	}
	return &merged, nil
}

// Get returns the document of a title.
func (c *Catalog) Get(ctx context.Context, imdbID string) (*models.ComplementedTitle, error) {
	var doc models.ComplementedTitle
	err := c.coll.FindOne(ctx, bson.M{"imdbId": imdbID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, imdbID)
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// FindMovies returns one page of movie documents ordered by imdbId
// descending.
func (c *Catalog) FindMovies(ctx context.Context, offset, limit int) ([]models.NormalizedTitle, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "imdbId", Value: -1}}).
		SetSkip(int64(offset)).
		SetLimit(int64(limit))
	cur, err := c.coll.Find(ctx, bson.M{"titleType": models.TitleTypeMovie}, opts)
	if err != nil {
		return nil, err
	}
	titles := []models.NormalizedTitle{}
	if err := cur.All(ctx, &titles); err != nil {
		return nil, err
	}
	return titles, nil
}

// Ping checks the server is reachable.
func (c *Catalog) Ping(ctx context.Context) error {
	return c.client.Ping(ctx, readpref.Primary())
}

// Close disconnects the client.
func (c *Catalog) Close(ctx context.Context) error {
	return c.client.Disconnect(ctx)
}
