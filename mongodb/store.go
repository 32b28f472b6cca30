package mongodb

import (
	"context"
	"errors"
	"net/url"
	"regexp"
	"time"

	"github.com/globalsign/mgo"
	"github.com/globalsign/mgo/bson"

	jobqueue "github.com/mikedesigns-nvisia/Asmbli-sub015"
)

const (
	// socketTimeout should be long enough that even a slow mongo server
	// will respond in that length of time. Since mongo servers ping themselves
	// every 10 seconds, we use a value just over 2 ping periods to allow
	// for delayed pings due to issues such as CPU starvation etc.
	socketTimeout = 21 * time.Second

	// dialTimeout should be representative of the upper bound of the
	// time taken to dial a mongo server from within the same cloud/private
	// network.
	dialTimeout = 30 * time.Second

	// defaultCollectionName is the name of the collection in MongoDB.
	// It can be overridden by SetCollectionName.
	defaultCollectionName = "jobqueue_checkpoints"
)

// Store is a MongoDB-based checkpoint store. Checkpoints are kept as
// one document per key, keyed by _id.
//
// mgo has no context support, so the Context arguments are ignored;
// deadlines are covered by the session's socket timeout instead.
type Store struct {
	session        *mgo.Session
	db             *mgo.Database
	coll           *mgo.Collection
	collectionName string
}

// StoreOption is an options provider for Store.
type StoreOption func(*Store)

// NewStore creates a new MongoDB-based checkpoint store.
func NewStore(mongodbURL string, options ...StoreOption) (*Store, error) {
	st := &Store{
		collectionName: defaultCollectionName,
	}
	for _, opt := range options {
		opt(st)
	}

	uri, err := url.Parse(mongodbURL)
	if err != nil {
		return nil, err
	}
	if uri.Path == "" || uri.Path == "/" {
		return nil, errors.New("mongodb: database missing in URL")
	}
	dbname := uri.Path[1:]

	st.session, err = mgo.DialWithTimeout(mongodbURL, dialTimeout)
	if err != nil {
		return nil, err
	}

	st.session.SetMode(mgo.Monotonic, true)
	st.session.SetSocketTimeout(socketTimeout)

	// Create collection if it does not exist
	st.db = st.session.DB(dbname)
	st.coll = st.db.C(st.collectionName)

	// Create indices
	err = st.coll.EnsureIndexKey("-last_mod")
	if err != nil {
		return nil, err
	}

	return st, nil
}

// SetCollectionName overrides the default collection name.
func SetCollectionName(collectionName string) StoreOption {
	return func(s *Store) {
		s.collectionName = collectionName
	}
}

func (s *Store) wrapError(err error) error {
	if err == mgo.ErrNotFound {
		// Map mgo.ErrNotFound to jobqueue-specific "not found" error
		return jobqueue.ErrNotFound
	}
	return err
}

// Start is called when the persistence manager initializes. Stale
// checkpoints need no special handling here: the queue rewrites them
// during recovery.
func (s *Store) Start() error {
	return s.session.Ping()
}

// Close the MongoDB store.
func (s *Store) Close() error {
	s.session.Close()
	return nil
}

// Put writes value under key, overwriting any previous value.
func (s *Store) Put(_ context.Context, key string, value []byte) error {
	change := bson.M{"$set": bson.M{"v": value, "last_mod": time.Now().UnixNano()}}
	_, err := s.coll.UpsertId(key, change)
	return s.wrapError(err)
}

// Get returns the value stored under key, or ErrNotFound.
func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	var doc checkpoint
	err := s.coll.FindId(key).One(&doc)
	if err != nil {
		return nil, s.wrapError(err)
	}
	return doc.Value, nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(_ context.Context, key string) error {
	err := s.coll.RemoveId(key)
	if err == mgo.ErrNotFound {
		return nil
	}
	return s.wrapError(err)
}

// Keys returns all keys starting with prefix.
func (s *Store) Keys(_ context.Context, prefix string) ([]string, error) {
	query := bson.M{"_id": bson.M{"$regex": "^" + regexp.QuoteMeta(prefix)}}
	var docs []checkpoint
	err := s.coll.Find(query).Select(bson.M{"_id": 1}).Sort("_id").All(&docs)
	if err != nil {
		return nil, s.wrapError(err)
	}
	keys := make([]string, 0, len(docs))
	for _, doc := range docs {
		keys = append(keys, doc.Key)
	}
	return keys, nil
}

// -- MongoDB-internal representation of a checkpoint --

type checkpoint struct {
	Key     string `bson:"_id"`
	Value   []byte `bson:"v"`
	LastMod int64  `bson:"last_mod"`
}
