// Package dispose 提供统一的资源生命周期管理
// 长生命周期组件嵌入 ServiceBase，随父 context 取消自动清理
package dispose

import (
	"context"
	"fmt"
	"sync"

	corelog "collab-core/internal/core/log"
)

// CleanupError 清理过程中的错误信息
type CleanupError struct {
	HandlerIndex int
	ResourceName string
	Err          error
}

func (e *CleanupError) Error() string {
	if e.ResourceName != "" {
		return fmt.Sprintf("cleanup resource[%s] handler[%d] failed: %v", e.ResourceName, e.HandlerIndex, e.Err)
	}
	return fmt.Sprintf("cleanup handler[%d] failed: %v", e.HandlerIndex, e.Err)
}

// Disposable 统一的资源释放接口
type Disposable interface {
	Dispose() error
}

// Dispose 资源管理结构体
// 持有派生 context 和一组清理回调，Close 或父 context 取消时执行
type Dispose struct {
	mu            sync.Mutex
	closed        bool
	ctx           context.Context
	cancel        context.CancelFunc
	handlerMu     sync.Mutex
	cleanHandlers []func() error
	errors        []*CleanupError
}

func (d *Dispose) Ctx() context.Context {
	return d.ctx
}

func (d *Dispose) IsClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// AddCleanHandler 注册清理回调，按注册顺序执行
func (d *Dispose) AddCleanHandler(f func() error) {
	d.handlerMu.Lock()
	defer d.handlerMu.Unlock()
	d.cleanHandlers = append(d.cleanHandlers, f)
}

// Close 关闭并执行所有清理回调
// 重复调用安全，返回首个清理错误
func (d *Dispose) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	if d.cancel != nil {
		d.cancel()
	}
	d.mu.Unlock()

	errs := d.runCleanHandlers()
	if len(errs) > 0 {
		return errs[0].Err
	}
	return nil
}

func (d *Dispose) runCleanHandlers() []*CleanupError {
	d.handlerMu.Lock()
	handlers := make([]func() error, len(d.cleanHandlers))
	copy(handlers, d.cleanHandlers)
	d.handlerMu.Unlock()

	var errs []*CleanupError
	for i, handler := range handlers {
		if err := handler(); err != nil {
			cleanupErr := &CleanupError{HandlerIndex: i, Err: err}
			errs = append(errs, cleanupErr)

			d.mu.Lock()
			d.errors = append(d.errors, cleanupErr)
			d.mu.Unlock()

			// 记录错误但不中断其余清理
			corelog.Errorf("cleanup handler[%d] failed: %v", i, err)
		}
	}
	return errs
}

// Errors 获取清理过程中累积的错误
func (d *Dispose) Errors() []*CleanupError {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.errors
}

// SetCtx 设置父 context 并注册清理回调
// 父 context 取消时自动执行清理
func (d *Dispose) SetCtx(parent context.Context, onClose func() error) {
	if d.ctx != nil {
		corelog.Warn("dispose ctx already set")
		return
	}

	if parent == nil {
		parent = context.Background()
	}

	if onClose != nil {
		d.AddCleanHandler(onClose)
	}

	d.ctx, d.cancel = context.WithCancel(parent)
	d.closed = false

	go func() {
		<-d.ctx.Done()
		d.mu.Lock()
		alreadyClosed := d.closed
		d.closed = true
		d.mu.Unlock()
		if !alreadyClosed {
			d.runCleanHandlers()
		}
	}()
}
