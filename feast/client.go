// Package feast 对接 Feast 在线特征库，作为可选的物品嵌入来源。
//
// 离线训练产出的嵌入物化到 Feast 之后，线上通过本包按需拉取；
// Feast 不可用时由上层降级到哈希兜底向量，打分链路不中断。
package feast

import (
	"context"
	"fmt"
	"time"

	feastsdk "github.com/feast-dev/feast/sdk/go"
	feasttypes "github.com/feast-dev/feast/sdk/go/protos/feast/types"
)

// DefaultTimeout 单次在线特征请求的默认超时。
const DefaultTimeout = 3 * time.Second

// Fetcher 按实体拉取一条向量特征。
type Fetcher interface {
	// Fetch 返回 entityID 对应的特征向量，特征不存在时返回 nil。
	Fetch(ctx context.Context, entityID string) ([]float64, error)
}

// GrpcClient 基于官方 Feast Go SDK 的 gRPC 客户端。
type GrpcClient struct {
	client     *feastsdk.GrpcClient
	project    string
	entityKey  string
	featureRef string
}

// ClientOption 配置 GrpcClient。
type ClientOption func(*clientConfig)

type clientConfig struct {
	authToken string
	enableTLS bool
}

// WithAuthToken 使用静态 Token 认证。
func WithAuthToken(token string) ClientOption {
	return func(c *clientConfig) { c.authToken = token }
}

// WithTLS 启用 TLS 连接。
func WithTLS() ClientOption {
	return func(c *clientConfig) { c.enableTLS = true }
}

// NewGrpcClient 连接 Feast Feature Server。
//
// entityKey 是实体列名（如 "item_id"），featureRef 是特征引用
// （如 "item_embeddings:vector"）。
func NewGrpcClient(host string, port int, project, entityKey, featureRef string, opts ...ClientOption) (*GrpcClient, error) {
	if port == 0 {
		port = 6565
	}
	if project == "" || entityKey == "" || featureRef == "" {
		return nil, fmt.Errorf("feast: project/entityKey/featureRef 不能为空")
	}

	cfg := &clientConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	var client *feastsdk.GrpcClient
	var err error
	if cfg.authToken != "" {
		security := feastsdk.SecurityConfig{
			EnableTLS:  cfg.enableTLS,
			Credential: feastsdk.NewStaticCredential(cfg.authToken),
		}
		client, err = feastsdk.NewSecureGrpcClient(host, port, security)
	} else {
		client, err = feastsdk.NewGrpcClient(host, port)
	}
	if err != nil {
		return nil, fmt.Errorf("feast: 连接 %s:%d 失败: %w", host, port, err)
	}

	return &GrpcClient{
		client:     client,
		project:    project,
		entityKey:  entityKey,
		featureRef: featureRef,
	}, nil
}

// Fetch 实现 Fetcher 接口。
func (c *GrpcClient) Fetch(ctx context.Context, entityID string) ([]float64, error) {
	req := &feastsdk.OnlineFeaturesRequest{
		Features: []string{c.featureRef},
		Entities: []feastsdk.Row{{c.entityKey: feastsdk.StrVal(entityID)}},
		Project:  c.project,
	}

	resp, err := c.client.GetOnlineFeatures(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("feast: 在线特征请求失败: %w", err)
	}

	rows := resp.Rows()
	if len(rows) != 1 {
		return nil, fmt.Errorf("feast: 响应行数不符: 期望 1 实际 %d", len(rows))
	}

	val, ok := rows[0][c.featureRef]
	if !ok {
		return nil, nil
	}
	return vectorFromValue(val), nil
}

// Close 关闭底层 gRPC 连接。
func (c *GrpcClient) Close() error {
	return c.client.Close()
}

// vectorFromValue 从 Feast 的 Value 中提取浮点向量。
// 非向量类型（或未物化的空值）返回 nil。
func vectorFromValue(val *feasttypes.Value) []float64 {
	if val == nil {
		return nil
	}
	if list := val.GetDoubleListVal(); list != nil {
		out := make([]float64, len(list.GetVal()))
		copy(out, list.GetVal())
		return out
	}
	if list := val.GetFloatListVal(); list != nil {
		out := make([]float64, len(list.GetVal()))
		for i, v := range list.GetVal() {
			out[i] = float64(v)
		}
		return out
	}
	return nil
}

var _ Fetcher = (*GrpcClient)(nil)
