package dispose

import (
	"context"

	corelog "collab-core/internal/core/log"
)

// ResourceBase 通用资源基类
type ResourceBase struct {
	Dispose
	name string
}

// NewResourceBase 创建资源基类
func NewResourceBase(name string) *ResourceBase {
	return &ResourceBase{name: name}
}

// Initialize 初始化资源，绑定上下文和默认清理回调
func (r *ResourceBase) Initialize(parentCtx context.Context) {
	r.SetCtx(parentCtx, r.onClose)
}

func (r *ResourceBase) onClose() error {
	corelog.Debugf("%s resources cleaned up", r.name)
	return nil
}

// GetName 获取资源名称
func (r *ResourceBase) GetName() string {
	return r.name
}

// ServiceBase 标准服务基类
type ServiceBase struct {
	*ResourceBase
}

// NewService 创建标准服务基类
func NewService(name string, parentCtx context.Context) *ServiceBase {
	service := &ServiceBase{ResourceBase: NewResourceBase(name)}
	service.Initialize(parentCtx)
	return service
}
