package mongostore

import (
	"context"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Connect 连接 MongoDB，数据库名取 URI 路径，默认 "gochat"。
func Connect(uri string) (*mongo.Database, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, err
	}

	return client.Database(dbNameFromURI(uri)), nil
}

// dbNameFromURI 取 URI 路径段作为库名；无路径段时用默认 "gochat"。
func dbNameFromURI(uri string) string {
	if i := strings.Index(uri, "?"); i >= 0 {
		uri = uri[:i]
	}
	if i := strings.LastIndex(uri, "/"); i > 0 && i < len(uri)-1 {
		name := uri[i+1:]
		if !strings.ContainsAny(name, ":@") {
			return name
		}
	}
	return "gochat"
}
