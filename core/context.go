package core

// RecommendContext 承载一次推荐请求的用户/场景/实时信息，贯穿整个服务链路透传。
type RecommendContext struct {
	UserID string
	Scene  string

	// Features 是 Feature Store 解析后的用户特征（可能带冷启动标记）
	Features *Features

	// VariantID 是实验引擎为本次请求分配的模型变体
	VariantID string

	// ExcludeItems 请求级排除集（黑名单、已购等）
	ExcludeItems []string

	// Params 请求级上下文参数：latitude、time_of_day、device_type 等
	Params map[string]any
}

// ColdStart 返回本次请求是否处于冷启动状态。
func (rctx *RecommendContext) ColdStart() bool {
	return rctx.Features == nil || rctx.Features.ColdStart
}
