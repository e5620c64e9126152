package log

import (
	"go.uber.org/zap"
)

const (
	FieldNameModule    = "module"
	FieldNameComponent = "component"
	FieldNameFirm      = "firmId"
	FieldNamePhase     = "phase"
	FieldNameRequestID = "requestId"
)

// FieldModule 返回一个包含模块名的 zap 字段。
func FieldModule(module string) zap.Field {
	return zap.String(FieldNameModule, module)
}

// FieldComponent 返回一个包含组件名的 zap 字段。
func FieldComponent(component string) zap.Field {
	return zap.String(FieldNameComponent, component)
}

// FieldFirm 返回一个包含租户 ID 的 zap 字段。
func FieldFirm(firmID string) zap.Field {
	return zap.String(FieldNameFirm, firmID)
}

// FieldPhase 返回一个包含连接阶段的 zap 字段。
func FieldPhase(phase string) zap.Field {
	return zap.String(FieldNamePhase, phase)
}
