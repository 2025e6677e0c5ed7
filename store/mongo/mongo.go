// Package mongo is a core.Store and core.StateStore backed by MongoDB.
package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/hupe1980/aguimesh/core"
)

const (
	defaultCollectionPrefix = "aguimesh_"
	defaultOpTimeout        = 5 * time.Second
)

// Options configures the Mongo store.
type Options struct {
	Client   *mongodriver.Client
	Database string
	// CollectionPrefix is prepended to the threads, messages, tool_calls,
	// runs and states collection names.
	CollectionPrefix string
	Timeout          time.Duration
}

type collections struct {
	threads   collection
	messages  collection
	toolCalls collection
	runs      collection
	states    collection
}

// Store persists AG-UI conversations in five collections. Each document is
// keyed by the entity id in _id.
type Store struct {
	mongo   *mongodriver.Client
	cols    collections
	timeout time.Duration

	seqMu   sync.Mutex
	lastSeq int64
}

var (
	_ core.Store      = (*Store)(nil)
	_ core.StateStore = (*Store)(nil)
)

// New returns a Store backed by MongoDB and creates its indexes.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	prefix := opts.CollectionPrefix
	if prefix == "" {
		prefix = defaultCollectionPrefix
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	db := opts.Client.Database(opts.Database)
	cols := collections{
		threads:   mongoCollection{coll: db.Collection(prefix + "threads")},
		messages:  mongoCollection{coll: db.Collection(prefix + "messages")},
		toolCalls: mongoCollection{coll: db.Collection(prefix + "tool_calls")},
		runs:      mongoCollection{coll: db.Collection(prefix + "runs")},
		states:    mongoCollection{coll: db.Collection(prefix + "states")},
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, cols); err != nil {
		return nil, err
	}
	return newStoreWithCollections(opts.Client, cols, timeout)
}

func newStoreWithCollections(mongoClient *mongodriver.Client, cols collections, timeout time.Duration) (*Store, error) {
	if cols.threads == nil || cols.messages == nil || cols.toolCalls == nil || cols.runs == nil || cols.states == nil {
		return nil, errors.New("collections are required")
	}
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &Store{mongo: mongoClient, cols: cols, timeout: timeout}, nil
}

// Ping checks connectivity to the primary.
func (s *Store) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.mongo.Ping(ctx, readpref.Primary())
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

// nextSeq returns a strictly increasing insertion sequence. It follows the
// wall clock so documents written by different processes still interleave
// roughly by insertion time.
func (s *Store) nextSeq() int64 {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	seq := time.Now().UnixNano()
	if seq <= s.lastSeq {
		seq = s.lastSeq + 1
	}
	s.lastSeq = seq
	return seq
}

func (s *Store) upsert(ctx context.Context, coll collection, id string, set, onInsert bson.M) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	update := bson.M{"$set": set}
	if len(onInsert) > 0 {
		update["$setOnInsert"] = onInsert
	}
	_, err := coll.UpdateOne(ctx, bson.M{"_id": id}, update, options.Update().SetUpsert(true))
	return err
}

func findOne[T any](ctx context.Context, s *Store, coll collection, id string) (T, error) {
	var doc T
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return doc, core.ErrNotFound
		}
		return doc, err
	}
	return doc, nil
}

func findAll[T any](ctx context.Context, s *Store, coll collection, filter bson.M, sort bson.D) ([]T, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := coll.Find(ctx, filter, options.Find().SetSort(sort))
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = cur.Close(ctx)
	}()
	var out []T
	for cur.Next(ctx) {
		var doc T
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// SaveThread upserts t; created_at is only written on insert.
func (s *Store) SaveThread(ctx context.Context, t core.Thread) error {
	return s.upsert(ctx, s.cols.threads, t.ID, bson.M{
		"agent_id":   t.AgentID,
		"title":      t.Title,
		"metadata":   cloneMetadata(t.Metadata),
		"updated_at": t.UpdatedAt.UTC(),
	}, bson.M{"created_at": t.CreatedAt.UTC()})
}

// GetThread returns thread id.
func (s *Store) GetThread(ctx context.Context, id string) (core.Thread, error) {
	doc, err := findOne[threadDocument](ctx, s, s.cols.threads, id)
	if err != nil {
		return core.Thread{}, err
	}
	return doc.toThread(), nil
}

// ListThreads returns every thread ordered by created_at, then id.
func (s *Store) ListThreads(ctx context.Context) ([]core.Thread, error) {
	docs, err := findAll[threadDocument](ctx, s, s.cols.threads, bson.M{},
		bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	if err != nil {
		return nil, err
	}
	out := make([]core.Thread, len(docs))
	for i, doc := range docs {
		out[i] = doc.toThread()
	}
	return out, nil
}

// DeleteThread removes a thread and then everything recorded under it. The
// deletes are not transactional; a failure part way leaves orphans that a
// retry removes.
func (s *Store) DeleteThread(ctx context.Context, id string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.cols.threads.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return core.ErrNotFound
	}
	for _, coll := range []collection{s.cols.messages, s.cols.toolCalls, s.cols.runs} {
		if _, err := coll.DeleteMany(ctx, bson.M{"thread_id": id}); err != nil {
			return err
		}
	}
	_, err = s.cols.states.DeleteOne(ctx, bson.M{"_id": id})
	return err
}

// SaveMessage upserts m. created_at and the insertion seq are only written
// on insert.
func (s *Store) SaveMessage(ctx context.Context, m core.Message) error {
	return s.upsert(ctx, s.cols.messages, m.ID, bson.M{
		"thread_id":  m.ThreadID,
		"run_id":     m.RunID,
		"role":       m.Role,
		"content":    m.Content,
		"complete":   m.Complete,
		"updated_at": m.UpdatedAt.UTC(),
	}, bson.M{"created_at": m.CreatedAt.UTC(), "seq": s.nextSeq()})
}

// ListMessages returns a thread's messages ordered by created_at, then
// insertion.
func (s *Store) ListMessages(ctx context.Context, threadID string) ([]core.Message, error) {
	docs, err := findAll[messageDocument](ctx, s, s.cols.messages, bson.M{"thread_id": threadID}, insertionOrder)
	if err != nil {
		return nil, err
	}
	out := make([]core.Message, len(docs))
	for i, doc := range docs {
		out[i] = doc.toMessage()
	}
	return out, nil
}

var insertionOrder = bson.D{{Key: "created_at", Value: 1}, {Key: "seq", Value: 1}}

// SaveToolCall upserts tc.
func (s *Store) SaveToolCall(ctx context.Context, tc core.ToolCall) error {
	return s.upsert(ctx, s.cols.toolCalls, tc.ID, bson.M{
		"thread_id":         tc.ThreadID,
		"run_id":            tc.RunID,
		"parent_message_id": tc.ParentMessageID,
		"name":              tc.Name,
		"arguments":         tc.Arguments,
		"result":            tc.Result,
		"status":            string(tc.Status),
		"updated_at":        tc.UpdatedAt.UTC(),
	}, bson.M{"created_at": tc.CreatedAt.UTC(), "seq": s.nextSeq()})
}

// ListToolCalls returns a thread's tool calls in the same order as
// ListMessages.
func (s *Store) ListToolCalls(ctx context.Context, threadID string) ([]core.ToolCall, error) {
	docs, err := findAll[toolCallDocument](ctx, s, s.cols.toolCalls, bson.M{"thread_id": threadID}, insertionOrder)
	if err != nil {
		return nil, err
	}
	out := make([]core.ToolCall, len(docs))
	for i, doc := range docs {
		out[i] = doc.toToolCall()
	}
	return out, nil
}

// SaveRun upserts r; started_at is only written on insert.
func (s *Store) SaveRun(ctx context.Context, r core.Run) error {
	return s.upsert(ctx, s.cols.runs, r.ID, bson.M{
		"thread_id": r.ThreadID,
		"agent_id":  r.AgentID,
		"status":    string(r.Status),
		"error":     r.Error,
		"ended_at":  r.EndedAt.UTC(),
	}, bson.M{"started_at": r.StartedAt.UTC()})
}

// GetRun returns run id.
func (s *Store) GetRun(ctx context.Context, id string) (core.Run, error) {
	doc, err := findOne[runDocument](ctx, s, s.cols.runs, id)
	if err != nil {
		return core.Run{}, err
	}
	return doc.toRun(), nil
}

// ListRuns returns a thread's runs ordered by started_at, then id.
func (s *Store) ListRuns(ctx context.Context, threadID string) ([]core.Run, error) {
	docs, err := findAll[runDocument](ctx, s, s.cols.runs, bson.M{"thread_id": threadID},
		bson.D{{Key: "started_at", Value: 1}, {Key: "_id", Value: 1}})
	if err != nil {
		return nil, err
	}
	out := make([]core.Run, len(docs))
	for i, doc := range docs {
		out[i] = doc.toRun()
	}
	return out, nil
}

// SaveState replaces the stored state of a thread. The state is kept as
// JSON text so arbitrary documents round-trip unchanged.
func (s *Store) SaveState(ctx context.Context, threadID, runID string, state json.RawMessage) error {
	return s.upsert(ctx, s.cols.states, threadID, bson.M{
		"run_id":     runID,
		"state":      string(state),
		"updated_at": time.Now().UTC(),
	}, nil)
}

// LoadState returns the stored state, or nil when none exists.
func (s *Store) LoadState(ctx context.Context, threadID string) (json.RawMessage, error) {
	doc, err := findOne[stateDocument](ctx, s, s.cols.states, threadID)
	if errors.Is(err, core.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(doc.State), nil
}

// DeleteState forgets the state of a thread.
func (s *Store) DeleteState(ctx context.Context, threadID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.cols.states.DeleteOne(ctx, bson.M{"_id": threadID})
	return err
}

func ensureIndexes(ctx context.Context, cols collections) error {
	threadIndex := mongodriver.IndexModel{
		Keys: bson.D{{Key: "created_at", Value: 1}},
	}
	if _, err := cols.threads.Indexes().CreateOne(ctx, threadIndex); err != nil {
		return err
	}
	for _, coll := range []collection{cols.messages, cols.toolCalls} {
		idx := mongodriver.IndexModel{
			Keys: bson.D{
				{Key: "thread_id", Value: 1},
				{Key: "created_at", Value: 1},
				{Key: "seq", Value: 1},
			},
		}
		if _, err := coll.Indexes().CreateOne(ctx, idx); err != nil {
			return err
		}
	}
	runIndex := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "thread_id", Value: 1},
			{Key: "started_at", Value: 1},
		},
	}
	if _, err := cols.runs.Indexes().CreateOne(ctx, runIndex); err != nil {
		return err
	}
	return nil
}

type threadDocument struct {
	ID        string            `bson:"_id"`
	AgentID   string            `bson:"agent_id"`
	Title     string            `bson:"title"`
	Metadata  map[string]string `bson:"metadata,omitempty"`
	CreatedAt time.Time         `bson:"created_at"`
	UpdatedAt time.Time         `bson:"updated_at"`
}

func (doc threadDocument) toThread() core.Thread {
	return core.Thread{
		ID:        doc.ID,
		AgentID:   doc.AgentID,
		Title:     doc.Title,
		Metadata:  cloneMetadata(doc.Metadata),
		CreatedAt: doc.CreatedAt.UTC(),
		UpdatedAt: doc.UpdatedAt.UTC(),
	}
}

type messageDocument struct {
	ID        string    `bson:"_id"`
	ThreadID  string    `bson:"thread_id"`
	RunID     string    `bson:"run_id"`
	Role      string    `bson:"role"`
	Content   string    `bson:"content"`
	Complete  bool      `bson:"complete"`
	Seq       int64     `bson:"seq"`
	CreatedAt time.Time `bson:"created_at"`
	UpdatedAt time.Time `bson:"updated_at"`
}

func (doc messageDocument) toMessage() core.Message {
	return core.Message{
		ID:        doc.ID,
		ThreadID:  doc.ThreadID,
		RunID:     doc.RunID,
		Role:      doc.Role,
		Content:   doc.Content,
		Complete:  doc.Complete,
		CreatedAt: doc.CreatedAt.UTC(),
		UpdatedAt: doc.UpdatedAt.UTC(),
	}
}

type toolCallDocument struct {
	ID              string    `bson:"_id"`
	ThreadID        string    `bson:"thread_id"`
	RunID           string    `bson:"run_id"`
	ParentMessageID string    `bson:"parent_message_id"`
	Name            string    `bson:"name"`
	Arguments       string    `bson:"arguments"`
	Result          string    `bson:"result"`
	Status          string    `bson:"status"`
	Seq             int64     `bson:"seq"`
	CreatedAt       time.Time `bson:"created_at"`
	UpdatedAt       time.Time `bson:"updated_at"`
}

func (doc toolCallDocument) toToolCall() core.ToolCall {
	return core.ToolCall{
		ID:              doc.ID,
		ThreadID:        doc.ThreadID,
		RunID:           doc.RunID,
		ParentMessageID: doc.ParentMessageID,
		Name:            doc.Name,
		Arguments:       doc.Arguments,
		Result:          doc.Result,
		Status:          core.ToolCallStatus(doc.Status),
		CreatedAt:       doc.CreatedAt.UTC(),
		UpdatedAt:       doc.UpdatedAt.UTC(),
	}
}

type runDocument struct {
	ID        string    `bson:"_id"`
	ThreadID  string    `bson:"thread_id"`
	AgentID   string    `bson:"agent_id"`
	Status    string    `bson:"status"`
	Error     string    `bson:"error"`
	StartedAt time.Time `bson:"started_at"`
	EndedAt   time.Time `bson:"ended_at"`
}

func (doc runDocument) toRun() core.Run {
	return core.Run{
		ID:        doc.ID,
		ThreadID:  doc.ThreadID,
		AgentID:   doc.AgentID,
		Status:    core.RunStatus(doc.Status),
		Error:     doc.Error,
		StartedAt: doc.StartedAt.UTC(),
		EndedAt:   doc.EndedAt.UTC(),
	}
}

type stateDocument struct {
	ThreadID  string    `bson:"_id"`
	RunID     string    `bson:"run_id"`
	State     string    `bson:"state"`
	UpdatedAt time.Time `bson:"updated_at"`
}

func cloneMetadata(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

type collection interface {
	FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult
	Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error)
	UpdateOne(ctx context.Context, filter any, update any,
		opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error)
	DeleteOne(ctx context.Context, filter any, opts ...*options.DeleteOptions) (*mongodriver.DeleteResult, error)
	DeleteMany(ctx context.Context, filter any, opts ...*options.DeleteOptions) (*mongodriver.DeleteResult, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel,
		opts ...*options.CreateIndexesOptions) (string, error)
}

type singleResult interface {
	Decode(val any) error
}

type cursor interface {
	Close(ctx context.Context) error
	Decode(val any) error
	Err() error
	Next(ctx context.Context) bool
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult {
	return c.coll.FindOne(ctx, filter, opts...)
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return cur, nil
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter any, update any,
	opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}

func (c mongoCollection) DeleteOne(ctx context.Context, filter any, opts ...*options.DeleteOptions) (*mongodriver.DeleteResult, error) {
	return c.coll.DeleteOne(ctx, filter, opts...)
}

func (c mongoCollection) DeleteMany(ctx context.Context, filter any, opts ...*options.DeleteOptions) (*mongodriver.DeleteResult, error) {
	return c.coll.DeleteMany(ctx, filter, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel,
	opts ...*options.CreateIndexesOptions) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
