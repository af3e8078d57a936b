// Package mongostore backs the dispatcher with the ordering backend's MongoDB:
// print jobs in a collection, documents in a GridFS bucket.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/orrn/printdesk/internal/config"
	"github.com/orrn/printdesk/internal/core"
)

const (
	defaultBucket     = "pdfs"
	defaultCollection = "printjobs"
	watchRetryDelay   = 5 * time.Second
)

type Store struct {
	client *mongo.Client
	jobs   *mongo.Collection
	files  *mongo.Collection
	bucket *gridfs.Bucket
	now    func() time.Time
	logger *slog.Logger
}

// Connect dials cfg.URI and opens the configured collection and bucket.
func Connect(ctx context.Context, cfg *config.MongoConfig) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	s, err := New(client.Database(cfg.Database), cfg.Collection, cfg.Bucket)
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	s.client = client
	return s, nil
}

func New(db *mongo.Database, collection, bucket string) (*Store, error) {
	if collection == "" {
		collection = defaultCollection
	}
	if bucket == "" {
		bucket = defaultBucket
	}
	b, err := gridfs.NewBucket(db, options.GridFSBucket().SetName(bucket))
	if err != nil {
		return nil, fmt.Errorf("failed to open gridfs bucket: %w", err)
	}
	return &Store{
		jobs:   db.Collection(collection),
		files:  db.Collection(bucket + ".files"),
		bucket: b,
		now:    time.Now,
		logger: slog.Default().With("component", "mongostore"),
	}, nil
}

func (s *Store) Close(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.Disconnect(ctx)
}

func refFilter(ref string) bson.M {
	return bson.M{"$or": bson.A{bson.M{"jobId": ref}, bson.M{"orderId": ref}}}
}

func (s *Store) Get(ctx context.Context, ref string) (*core.Job, error) {
	var doc jobDoc
	err := s.jobs.FindOne(ctx, refFilter(ref)).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, core.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return doc.toJob(), nil
}

func (s *Store) find(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]*core.Job, error) {
	cur, err := s.jobs.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer cur.Close(ctx)

	var jobs []*core.Job
	for cur.Next(ctx) {
		var doc jobDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode job: %w", err)
		}
		jobs = append(jobs, doc.toJob())
	}
	return jobs, cur.Err()
}

func processingFilter(exclude []string) bson.M {
	filter := bson.M{"status": string(core.JobStatusProcessing)}
	if len(exclude) > 0 {
		filter["jobId"] = bson.M{"$nin": exclude}
	}
	return filter
}

func (s *Store) FindProcessing(ctx context.Context, exclude []string) ([]*core.Job, error) {
	opts := options.Find().SetSort(bson.D{{Key: "timeline.created", Value: 1}})
	return s.find(ctx, processingFilter(exclude), opts)
}

func (s *Store) FindPending(ctx context.Context, limit int) ([]*core.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "timeline.created", Value: 1}, {Key: "_id", Value: 1}}).
		SetLimit(int64(limit))
	return s.find(ctx, bson.M{"status": string(core.JobStatusPending)}, opts)
}

// Claim is a conditional update: only a document still pending matches.
func (s *Store) Claim(ctx context.Context, jobID string, at time.Time) (bool, error) {
	res, err := s.jobs.UpdateOne(ctx,
		bson.M{"jobId": jobID, "status": string(core.JobStatusPending)},
		bson.M{"$set": bson.M{
			"status":              string(core.JobStatusProcessing),
			"timeline.processing": at,
		}})
	if err != nil {
		return false, fmt.Errorf("failed to claim job: %w", err)
	}
	return res.ModifiedCount == 1, nil
}

func (s *Store) Complete(ctx context.Context, jobID string, at time.Time) error {
	return s.finish(ctx, jobID, core.JobStatusCompleted, bson.M{
		"status":             string(core.JobStatusCompleted),
		"timeline.completed": at,
	})
}

func (s *Store) Fail(ctx context.Context, jobID, errMsg string, at time.Time) error {
	return s.finish(ctx, jobID, core.JobStatusFailed, bson.M{
		"status":          string(core.JobStatusFailed),
		"timeline.failed": at,
		"error":           errMsg,
	})
}

func (s *Store) finish(ctx context.Context, jobID string, to core.JobStatus, set bson.M) error {
	res, err := s.jobs.UpdateOne(ctx,
		bson.M{"jobId": jobID, "status": string(core.JobStatusProcessing)},
		bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("failed to mark job %s: %w", to, err)
	}
	if res.MatchedCount == 1 {
		return nil
	}
	return s.transitionError(ctx, jobID, to)
}

func (s *Store) transitionError(ctx context.Context, jobID string, to core.JobStatus) error {
	var doc jobDoc
	err := s.jobs.FindOne(ctx, bson.M{"jobId": jobID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return core.ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to get job status: %w", err)
	}
	return fmt.Errorf("%w: %s -> %s", core.ErrInvalidTransition, doc.Status, to)
}

func (s *Store) Create(ctx context.Context, job *core.Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.OrderID == "" {
		job.OrderID = "ORD-" + strings.ToUpper(uuid.New().String()[:8])
	}
	job.Status = core.JobStatusPending
	job.CreatedAt = s.now().UTC()
	job.Timeline = map[string]time.Time{core.TimelineCreated: job.CreatedAt}

	if _, err := s.jobs.InsertOne(ctx, fromJob(job)); err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

func (s *Store) Cancel(ctx context.Context, ref string) (*core.Job, error) {
	job, err := s.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	res, err := s.jobs.UpdateOne(ctx,
		bson.M{"jobId": job.ID, "status": string(core.JobStatusPending)},
		bson.M{"$set": bson.M{
			"status":             string(core.JobStatusCancelled),
			"timeline.cancelled": s.now().UTC(),
		}})
	if err != nil {
		return nil, fmt.Errorf("failed to cancel job: %w", err)
	}
	if res.MatchedCount == 0 {
		return nil, s.transitionError(ctx, job.ID, core.JobStatusCancelled)
	}
	return s.Get(ctx, job.ID)
}

func listFilter(f core.JobFilter) bson.M {
	filter := bson.M{}
	if f.Status != "" {
		filter["status"] = string(f.Status)
	}
	if f.ShopID != "" {
		filter["shopkeeperId"] = fileKey(core.FileID(f.ShopID))
	}
	if f.UserID != "" {
		filter["userId"] = f.UserID
	}
	return filter
}

func (s *Store) List(ctx context.Context, f core.JobFilter) ([]*core.Job, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "timeline.created", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(int64(limit))
	if f.Offset > 0 {
		opts.SetSkip(int64(f.Offset))
	}
	return s.find(ctx, listFilter(f), opts)
}

func (s *Store) Stats(ctx context.Context) (map[core.JobStatus]int64, error) {
	cur, err := s.jobs.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$group", Value: bson.D{{Key: "_id", Value: "$status"}, {Key: "count", Value: bson.D{{Key: "$sum", Value: 1}}}}}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer cur.Close(ctx)

	stats := make(map[core.JobStatus]int64)
	for cur.Next(ctx) {
		var row struct {
			Status string `bson:"_id"`
			Count  int64  `bson:"count"`
		}
		if err := cur.Decode(&row); err != nil {
			return nil, fmt.Errorf("failed to decode job count: %w", err)
		}
		stats[core.JobStatus(row.Status)] = row.Count
	}
	return stats, cur.Err()
}

func (s *Store) Exists(ctx context.Context, id core.FileID) (bool, error) {
	if id == "" {
		return false, nil
	}
	n, err := s.files.CountDocuments(ctx, bson.M{"_id": fileKey(id)}, options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("failed to check file: %w", err)
	}
	return n > 0, nil
}

func (s *Store) Open(ctx context.Context, id core.FileID) (io.ReadCloser, error) {
	stream, err := s.bucket.OpenDownloadStream(fileKey(id))
	if errors.Is(err, gridfs.ErrFileNotFound) {
		return nil, core.ErrContentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = stream.SetReadDeadline(dl)
	}
	return stream, nil
}

func (s *Store) PutBlob(ctx context.Context, filename, contentType string, r io.Reader) (core.FileID, error) {
	opts := options.GridFSUpload().SetMetadata(bson.M{"contentType": contentType})
	oid, err := s.bucket.UploadFromStream(filename, r, opts)
	if err != nil {
		return "", fmt.Errorf("failed to upload file: %w", err)
	}
	return normalizeFileID(oid), nil
}
