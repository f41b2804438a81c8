package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Mongo is the production Store. findOneAndUpdate gives the claim protocol
// its linearisability; a unique index on downloads.url absorbs cross-feed
// duplicates; a TTL index on expire_at purges terminal records.
type Mongo struct {
	client    *mongo.Client
	downloads *mongo.Collection
	accounts  *mongo.Collection
	workers   *mongo.Collection
	watchrss  *mongo.Collection
}

var _ Store = (*Mongo)(nil)

// NewMongo connects, verifies the deployment is reachable and ensures the
// indexes the pipeline relies on.
func NewMongo(ctx context.Context, uri, database string) (*Mongo, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	if database == "" {
		database = "rssbox"
	}
	db := client.Database(database)

	m := &Mongo{
		client:    client,
		downloads: db.Collection("downloads"),
		accounts:  db.Collection("accounts"),
		workers:   db.Collection("workers"),
		watchrss:  db.Collection("watchrss"),
	}
	if err := m.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Mongo) ensureIndexes(ctx context.Context) error {
	_, err := m.downloads.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "url", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "expire_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(0),
		},
	})
	if err != nil {
		return fmt.Errorf("create download indexes: %w", err)
	}
	return nil
}

func (m *Mongo) InsertDownload(ctx context.Context, name, url string) (string, error) {
	id := primitive.NewObjectID().Hex()
	_, err := m.downloads.InsertOne(ctx, Download{
		ID:     id,
		URL:    url,
		Name:   name,
		Status: DownloadPending,
	})
	if err == nil {
		return id, nil
	}
	if !mongo.IsDuplicateKeyError(err) {
		return "", fmt.Errorf("insert download: %w", err)
	}
	// Already ingested, possibly by another feed. Hand back the winner.
	var existing Download
	if err := m.downloads.FindOne(ctx, bson.M{"url": url}).Decode(&existing); err != nil {
		return "", fmt.Errorf("lookup duplicate download: %w", err)
	}
	return existing.ID, nil
}

func (m *Mongo) GetDownload(ctx context.Context, id string) (*Download, error) {
	var d Download
	err := m.downloads.FindOne(ctx, bson.M{"_id": id}).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get download: %w", err)
	}
	return &d, nil
}

func (m *Mongo) SaveDownload(ctx context.Context, d *Download) error {
	set := bson.M{
		"url":       d.URL,
		"name":      d.Name,
		"status":    d.Status,
		"retries":   d.Retries,
		"hash":      orNil(d.Hash),
		"locked_by": orNil(d.LockedBy),
	}
	update := bson.M{"$set": set}
	if d.ExpireAt != nil {
		set["expire_at"] = *d.ExpireAt
	} else {
		update["$unset"] = bson.M{"expire_at": ""}
	}
	_, err := m.downloads.UpdateOne(ctx, bson.M{"_id": d.ID}, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("save download %s: %w", d.ID, err)
	}
	return nil
}

func (m *Mongo) DeleteDownload(ctx context.Context, id string) error {
	if _, err := m.downloads.DeleteOne(ctx, bson.M{"_id": id}); err != nil {
		return fmt.Errorf("delete download %s: %w", id, err)
	}
	return nil
}

func (m *Mongo) ListDownloads(ctx context.Context) ([]Download, error) {
	cur, err := m.downloads.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("list downloads: %w", err)
	}
	var out []Download
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode downloads: %w", err)
	}
	return out, nil
}

// unlockedFilter matches documents no worker holds: the field may be
// missing, null, or the empty string.
func unlockedFilter() bson.A {
	return bson.A{
		bson.M{"locked_by": bson.M{"$exists": false}},
		bson.M{"locked_by": nil},
		bson.M{"locked_by": ""},
	}
}

func (m *Mongo) ClaimPendingDownload(ctx context.Context, workerID string) (*Download, error) {
	var d Download
	err := m.downloads.FindOneAndUpdate(ctx,
		bson.M{"status": DownloadPending, "$or": unlockedFilter()},
		bson.M{"$set": bson.M{"locked_by": workerID}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim pending download: %w", err)
	}
	return &d, nil
}

func (m *Mongo) UnlockDownload(ctx context.Context, id string) error {
	_, err := m.downloads.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"locked_by": nil}})
	if err != nil {
		return fmt.Errorf("unlock download %s: %w", id, err)
	}
	return nil
}

func (m *Mongo) GetAccount(ctx context.Context, id string) (*Account, error) {
	var a Account
	err := m.accounts.FindOne(ctx, bson.M{"_id": id}).Decode(&a)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return &a, nil
}

func (m *Mongo) SaveAccountState(ctx context.Context, a *Account) error {
	set := bson.M{
		"status":      a.Status,
		"download_id": orNil(a.DownloadID),
		"locked_by":   orNil(a.LockedBy),
		"priority":    a.Priority,
	}
	if a.AddedAt != nil {
		set["added_at"] = *a.AddedAt
	} else {
		set["added_at"] = nil
	}
	if a.LastCheckedAt != nil {
		set["last_checked_at"] = *a.LastCheckedAt
	}
	_, err := m.accounts.UpdateOne(ctx, bson.M{"_id": a.ID}, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("save account %s: %w", a.ID, err)
	}
	return nil
}

func (m *Mongo) SetAccountToken(ctx context.Context, id, token string) error {
	_, err := m.accounts.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"token": token}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("save account token %s: %w", id, err)
	}
	return nil
}

func (m *Mongo) ListAccounts(ctx context.Context) ([]Account, error) {
	cur, err := m.accounts.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	var out []Account
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode accounts: %w", err)
	}
	return out, nil
}

func (m *Mongo) ClaimFreeAccount(ctx context.Context, workerID string) (*Account, error) {
	var a Account
	err := m.accounts.FindOneAndUpdate(ctx,
		bson.M{"$or": bson.A{
			bson.M{"status": AccountIdle},
			bson.M{"status": bson.M{"$exists": false}},
			bson.M{"status": ""},
		}},
		bson.M{"$set": bson.M{
			"status":       AccountProcessing,
			"locked_by":    workerID,
			"last_used_at": time.Now().UTC(),
		}},
		options.FindOneAndUpdate().
			SetSort(bson.D{{Key: "priority", Value: -1}, {Key: "last_used_at", Value: 1}}).
			SetReturnDocument(options.After),
	).Decode(&a)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim free account: %w", err)
	}
	return &a, nil
}

func (m *Mongo) ClaimDownloadingAccount(ctx context.Context, workerID string) (*Account, error) {
	var a Account
	err := m.accounts.FindOneAndUpdate(ctx,
		bson.M{"status": AccountDownloading, "$or": unlockedFilter()},
		bson.M{"$set": bson.M{
			"status":          AccountLocked,
			"locked_by":       workerID,
			"last_checked_at": time.Now().UTC(),
		}},
		options.FindOneAndUpdate().
			SetSort(bson.D{{Key: "last_checked_at", Value: 1}}).
			SetReturnDocument(options.After),
	).Decode(&a)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim downloading account: %w", err)
	}
	return &a, nil
}

func (m *Mongo) UpsertWorker(ctx context.Context, id string, heartbeat time.Time) error {
	_, err := m.workers.ReplaceOne(ctx,
		bson.M{"_id": id},
		Worker{ID: id, LastHeartbeat: heartbeat},
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("upsert worker %s: %w", id, err)
	}
	return nil
}

func (m *Mongo) DeleteWorker(ctx context.Context, id string) error {
	if _, err := m.workers.DeleteOne(ctx, bson.M{"_id": id}); err != nil {
		return fmt.Errorf("delete worker %s: %w", id, err)
	}
	return nil
}

func (m *Mongo) ListWorkers(ctx context.Context) ([]Worker, error) {
	cur, err := m.workers.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	var out []Worker
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode workers: %w", err)
	}
	return out, nil
}

func (m *Mongo) StaleWorkerIDs(ctx context.Context, olderThan time.Time) ([]string, error) {
	cur, err := m.workers.Find(ctx,
		bson.M{"last_heartbeat": bson.M{"$lt": olderThan}},
		options.Find().SetProjection(bson.M{"_id": 1}),
	)
	if err != nil {
		return nil, fmt.Errorf("find stale workers: %w", err)
	}
	var docs []struct {
		ID string `bson:"_id"`
	}
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode stale workers: %w", err)
	}
	ids := make([]string, 0, len(docs))
	for _, doc := range docs {
		ids = append(ids, doc.ID)
	}
	return ids, nil
}

func (m *Mongo) DeleteWorkers(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := m.workers.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return 0, fmt.Errorf("delete workers: %w", err)
	}
	return res.DeletedCount, nil
}

// lockerGoneStages joins locked_by against the workers collection and keeps
// documents whose locker is missing, stale, or explicitly listed.
func lockerGoneStages(staleIDs []string, olderThan time.Time) []bson.M {
	if staleIDs == nil {
		staleIDs = []string{}
	}
	return []bson.M{
		{"$lookup": bson.M{
			"from":         "workers",
			"localField":   "locked_by",
			"foreignField": "_id",
			"as":           "worker",
		}},
		{"$unwind": bson.M{"path": "$worker", "preserveNullAndEmptyArrays": true}},
		{"$match": bson.M{"$or": bson.A{
			bson.M{"worker": bson.M{"$exists": false}},
			bson.M{"worker.last_heartbeat": bson.M{"$lt": olderThan}},
			bson.M{"locked_by": bson.M{"$in": staleIDs}},
		}}},
	}
}

func (m *Mongo) OrphanedAccounts(ctx context.Context, staleIDs []string, olderThan time.Time) ([]Account, error) {
	pipeline := append([]bson.M{
		{"$match": bson.M{"status": bson.M{"$in": bson.A{
			AccountProcessing, AccountUploading, AccountLocked,
		}}}},
	}, lockerGoneStages(staleIDs, olderThan)...)
	pipeline = append(pipeline, bson.M{"$project": bson.M{"_id": 1, "status": 1}})

	cur, err := m.accounts.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("aggregate orphaned accounts: %w", err)
	}
	var out []Account
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode orphaned accounts: %w", err)
	}
	return out, nil
}

func (m *Mongo) ReleaseAccount(ctx context.Context, id string, status AccountStatus) error {
	_, err := m.accounts.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"status": status, "locked_by": nil}},
	)
	if err != nil {
		return fmt.Errorf("release account %s: %w", id, err)
	}
	return nil
}

func (m *Mongo) OrphanedDownloadIDs(ctx context.Context, staleIDs []string, olderThan time.Time) ([]string, error) {
	pipeline := append([]bson.M{
		{"$match": bson.M{
			"status":    bson.M{"$in": bson.A{DownloadPending, DownloadProcessing}},
			"locked_by": bson.M{"$nin": bson.A{nil, ""}},
		}},
	}, lockerGoneStages(staleIDs, olderThan)...)
	pipeline = append(pipeline, bson.M{"$project": bson.M{"_id": 1}})

	return m.aggregateIDs(ctx, m.downloads, pipeline)
}

func (m *Mongo) ProcessingWithoutAccount(ctx context.Context) ([]string, error) {
	pipeline := []bson.M{
		{"$match": bson.M{"status": DownloadProcessing}},
		{"$lookup": bson.M{
			"from":         "accounts",
			"localField":   "_id",
			"foreignField": "download_id",
			"as":           "account",
		}},
		{"$match": bson.M{"account": bson.M{"$size": 0}}},
		{"$project": bson.M{"_id": 1}},
	}
	return m.aggregateIDs(ctx, m.downloads, pipeline)
}

func (m *Mongo) aggregateIDs(ctx context.Context, coll *mongo.Collection, pipeline []bson.M) ([]string, error) {
	cur, err := coll.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("aggregate %s: %w", coll.Name(), err)
	}
	var docs []struct {
		ID string `bson:"_id"`
	}
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode %s ids: %w", coll.Name(), err)
	}
	ids := make([]string, 0, len(docs))
	for _, doc := range docs {
		ids = append(ids, doc.ID)
	}
	return ids, nil
}

func (m *Mongo) RequeueDownloads(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := m.downloads.UpdateMany(ctx,
		bson.M{"_id": bson.M{"$in": ids}},
		bson.M{"$set": bson.M{"status": DownloadPending, "locked_by": nil}},
	)
	if err != nil {
		return 0, fmt.Errorf("requeue downloads: %w", err)
	}
	return res.ModifiedCount, nil
}

func (m *Mongo) FeedCursor(ctx context.Context, id string) (*FeedCursor, error) {
	var c FeedCursor
	err := m.watchrss.FindOne(ctx, bson.M{"_id": id}).Decode(&c)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get feed cursor: %w", err)
	}
	return &c, nil
}

func (m *Mongo) SaveFeedCursor(ctx context.Context, c *FeedCursor) error {
	_, err := m.watchrss.ReplaceOne(ctx, bson.M{"_id": c.ID}, c, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("save feed cursor %s: %w", c.ID, err)
	}
	return nil
}

// WithTransaction groups fn's writes into a session transaction. Standalone
// deployments reject transactions; those fall back to plain ordered writes,
// which the reaper's reconciliation rules are designed to tolerate.
func (m *Mongo) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	session, err := m.client.StartSession()
	if err != nil {
		return fn(ctx)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(sc)
	})
	if err != nil && transactionsUnsupported(err) {
		return fn(ctx)
	}
	return err
}

func transactionsUnsupported(err error) bool {
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) && cmdErr.Code == 20 { // IllegalOperation
		return true
	}
	return strings.Contains(err.Error(), "Transaction numbers are only allowed")
}

func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

// orNil maps the empty string to a stored null so the claim filters' $or
// arms stay equivalent across drivers.
func orNil(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
