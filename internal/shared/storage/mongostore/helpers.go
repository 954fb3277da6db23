package mongostore

import (
	"context"
	"errors"

	"fleet-coordinator/internal/shared/storage"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// wrapError 将 MongoDB 错误转换为领域错误
func wrapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return storage.ErrNotFound
	}
	if mongo.IsDuplicateKeyError(err) {
		return storage.ErrDuplicate
	}
	return err
}

// findOne 查找单个文档；不存在时返回 (nil, nil)，与 SQL 实现一致
func findOne[T any](ctx context.Context, col *mongo.Collection, filter bson.D) (*T, error) {
	var result T
	err := col.FindOne(ctx, filter).Decode(&result)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, wrapError(err)
	}
	return &result, nil
}

// findMany 查找多个文档
func findMany[T any](ctx context.Context, col *mongo.Collection, filter bson.D, opts ...options.Lister[options.FindOptions]) ([]*T, error) {
	cursor, err := col.Find(ctx, filter, opts...)
	if err != nil {
		return nil, wrapError(err)
	}
	defer cursor.Close(ctx)

	var results []*T
	for cursor.Next(ctx) {
		var item T
		if err := cursor.Decode(&item); err != nil {
			return nil, err
		}
		results = append(results, &item)
	}
	return results, cursor.Err()
}

// insertOne 插入单个文档
func insertOne(ctx context.Context, col *mongo.Collection, doc interface{}) error {
	_, err := col.InsertOne(ctx, doc)
	return wrapError(err)
}

// conditionalUpdate 带前置条件的更新；未命中时区分不存在与冲突
func conditionalUpdate(ctx context.Context, col *mongo.Collection, id string, cond bson.D, update interface{}) error {
	filter := append(bson.D{{Key: "_id", Value: id}}, cond...)
	res, err := col.UpdateOne(ctx, filter, update)
	if err != nil {
		return wrapError(err)
	}
	if res.MatchedCount > 0 {
		return nil
	}
	n, err := col.CountDocuments(ctx, bson.D{{Key: "_id", Value: id}})
	if err != nil {
		return wrapError(err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return storage.ErrConflict
}

// replaceIf 条件整体替换文档
func replaceIf(ctx context.Context, col *mongo.Collection, id string, cond bson.D, doc interface{}) error {
	filter := append(bson.D{{Key: "_id", Value: id}}, cond...)
	res, err := col.ReplaceOne(ctx, filter, doc)
	if err != nil {
		return wrapError(err)
	}
	if res.MatchedCount > 0 {
		return nil
	}
	n, err := col.CountDocuments(ctx, bson.D{{Key: "_id", Value: id}})
	if err != nil {
		return wrapError(err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return storage.ErrConflict
}

// deleteByID 按 _id 删除
func deleteByID(ctx context.Context, col *mongo.Collection, id string) error {
	res, err := col.DeleteOne(ctx, bson.D{{Key: "_id", Value: id}})
	if err != nil {
		return wrapError(err)
	}
	if res.DeletedCount == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func statusIn[T ~string](statuses []T) bson.D {
	arr := bson.A{}
	for _, s := range statuses {
		arr = append(arr, string(s))
	}
	return bson.D{{Key: "status", Value: bson.D{{Key: "$in", Value: arr}}}}
}
