package mongostore

import (
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/orrn/printdesk/internal/core"
)

// jobDoc mirrors a printjobs document as the ordering backend writes it.
type jobDoc struct {
	ObjectID     primitive.ObjectID   `bson:"_id,omitempty"`
	JobID        string               `bson:"jobId"`
	OrderID      string               `bson:"orderId"`
	UserID       string               `bson:"userId"`
	Username     string               `bson:"username"`
	ShopkeeperID interface{}          `bson:"shopkeeperId"`
	Files        []fileDoc            `bson:"files"`
	Status       string               `bson:"status"`
	Timeline     map[string]time.Time `bson:"timeline,omitempty"`
	Error        string               `bson:"error,omitempty"`
}

type fileDoc struct {
	Filename     string           `bson:"filename"`
	OriginalName string           `bson:"originalName"`
	ContentType  string           `bson:"contentType,omitempty"`
	Size         int64            `bson:"size,omitempty"`
	FileID       interface{}      `bson:"fileId"`
	PrintConfig  core.PrintConfig `bson:"printConfig"`
}

func (d *jobDoc) toJob() *core.Job {
	job := &core.Job{
		ID:       d.JobID,
		OrderID:  d.OrderID,
		UserID:   d.UserID,
		Username: d.Username,
		ShopID:   string(normalizeFileID(d.ShopkeeperID)),
		Status:   core.JobStatus(d.Status),
		Error:    d.Error,
		Timeline: make(map[string]time.Time, len(d.Timeline)),
	}
	for k, v := range d.Timeline {
		job.Timeline[k] = v
	}
	if created, ok := d.Timeline[core.TimelineCreated]; ok {
		job.CreatedAt = created
	} else if !d.ObjectID.IsZero() {
		job.CreatedAt = d.ObjectID.Timestamp()
	}
	for _, f := range d.Files {
		job.Files = append(job.Files, core.FileRef{
			FileID:       normalizeFileID(f.FileID),
			Filename:     f.Filename,
			OriginalName: f.OriginalName,
			Config:       f.PrintConfig,
		})
	}
	return job
}

func fromJob(job *core.Job) *jobDoc {
	d := &jobDoc{
		JobID:        job.ID,
		OrderID:      job.OrderID,
		UserID:       job.UserID,
		Username:     job.Username,
		ShopkeeperID: fileKey(core.FileID(job.ShopID)),
		Status:       string(job.Status),
		Timeline:     job.Timeline,
		Error:        job.Error,
	}
	for _, f := range job.Files {
		d.Files = append(d.Files, fileDoc{
			Filename:     f.Filename,
			OriginalName: f.OriginalName,
			FileID:       fileKey(f.FileID),
			PrintConfig:  f.Config,
		})
	}
	return d
}

// normalizeFileID reduces the shapes a file reference takes in stored
// documents (ObjectID, hex string, extended JSON {"$oid": ...}) to one
// canonical string.
func normalizeFileID(v interface{}) core.FileID {
	switch id := v.(type) {
	case nil:
		return ""
	case primitive.ObjectID:
		if id.IsZero() {
			return ""
		}
		return core.FileID(id.Hex())
	case string:
		return core.FileID(strings.TrimSpace(id))
	case bson.D:
		for _, e := range id {
			if e.Key == "$oid" {
				return normalizeFileID(e.Value)
			}
		}
	case bson.M:
		return normalizeFileID(id["$oid"])
	case map[string]interface{}:
		return normalizeFileID(id["$oid"])
	}
	return ""
}

// fileKey turns a canonical id back into the value stored as _id.
func fileKey(id core.FileID) interface{} {
	if oid, err := primitive.ObjectIDFromHex(string(id)); err == nil {
		return oid
	}
	return string(id)
}
