package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/oarkflow/policy"
)

const redisIndexKey = "policydoc:index"

// RedisDocumentStore keeps documents as JSON values (key: policydoc:{id})
// with a set index for listing.
type RedisDocumentStore struct {
	client *redis.Client
	keyFmt string
}

func NewRedisDocumentStore(client *redis.Client) *RedisDocumentStore {
	return &RedisDocumentStore{client: client, keyFmt: "policydoc:%s"}
}

func (r *RedisDocumentStore) key(id string) string {
	return fmt.Sprintf(r.keyFmt, id)
}

func (r *RedisDocumentStore) Create(ctx context.Context, doc *policy.Document) error {
	b, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	set, err := r.client.SetNX(ctx, r.key(doc.ID), string(b), 0).Result()
	if err != nil {
		return err
	}
	if !set {
		return &policy.AlreadyExistsError{ID: doc.ID}
	}
	return r.client.SAdd(ctx, redisIndexKey, doc.ID).Err()
}

func (r *RedisDocumentStore) Update(ctx context.Context, id string, patch *policy.DocumentPatch) (*policy.Document, []string, error) {
	doc, err := r.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	changed := patch.Apply(doc)
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, nil, err
	}
	if err := r.client.Set(ctx, r.key(id), string(b), 0).Err(); err != nil {
		return nil, nil, err
	}
	return doc, changed, nil
}

func (r *RedisDocumentStore) Delete(ctx context.Context, id string) error {
	n, err := r.client.Del(ctx, r.key(id)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return &policy.NotFoundError{ID: id}
	}
	return r.client.SRem(ctx, redisIndexKey, id).Err()
}

func (r *RedisDocumentStore) Get(ctx context.Context, id string) (*policy.Document, error) {
	raw, err := r.client.Get(ctx, r.key(id)).Result()
	if err == redis.Nil {
		return nil, &policy.NotFoundError{ID: id}
	}
	if err != nil {
		return nil, err
	}
	var doc policy.Document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (r *RedisDocumentStore) List(ctx context.Context, filter *policy.ListFilter) ([]*policy.Document, error) {
	ids, err := r.client.SMembers(ctx, redisIndexKey).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*policy.Document, 0, len(ids))
	for _, id := range ids {
		doc, err := r.Get(ctx, id)
		if err != nil {
			if _, ok := err.(*policy.NotFoundError); ok {
				// stale index entry
				continue
			}
			return nil, err
		}
		if documentMatches(doc, filter) {
			out = append(out, doc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
