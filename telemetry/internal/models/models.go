package models // 模型包

import ( // 依赖导入
	"encoding/json" // JSON 详情
	"time"          // 时间类型

	"github.com/google/uuid" // UUID 类型

	"wind-telemetry-platform/telemetry/internal/records" // 记录类型
)

const ( // 自动导入周期
	IntervalHourly = "hourly" // 每小时
	IntervalDaily  = "daily"  // 每天
	IntervalWeekly = "weekly" // 每周
)

const ( // 运行触发方式
	TriggerAPI  = "api"  // 接口触发
	TriggerAuto = "auto" // 自动导入
	TriggerCLI  = "cli"  // 命令行
)

// MainStatusRunning is the SEL main status reported while producing.
const MainStatusRunning = 0

type Tenant struct { // 租户模型
	TenantID  uuid.UUID // 租户 ID
	Slug      string    // 租户标识
	Name      string    // 租户名称
	CreatedAt time.Time // 创建时间
}

type Turbine struct { // 风机模型
	TurbineID    uuid.UUID // 风机 ID
	TenantID     uuid.UUID // 租户 ID
	Name         string    // 名称
	RatedPowerKW *float64  // 额定功率
}

type TurbineMapping struct { // 风机映射模型
	MappingID           uuid.UUID  // 映射 ID
	TenantID            uuid.UUID  // 租户 ID
	SiteCode            string     // 站点编号
	PlantNo             int        // 厂商机组号
	TurbineID           uuid.UUID  // 风机 ID
	Active              bool       // 是否启用
	AutoImportEnabled   bool       // 自动导入开关
	AutoImportInterval  string     // 自动导入周期
	AutoImportBasePath  *string    // 覆盖根目录
	AutoImportLastRunAt *time.Time // 上次自动导入时间
	UpdatedAt           time.Time  // 更新时间
}

type RunError struct { // 运行错误
	Level   string `json:"level"`          // warning 或 error
	File    string `json:"file,omitempty"` // 相关文件
	Message string `json:"message"`        // 错误信息
}

const ( // 错误级别
	LevelWarning = "warning" // 警告
	LevelError   = "error"   // 错误
)

type ImportRun struct { // 导入运行模型
	RunID             uuid.UUID           `json:"run_id"`                        // 运行 ID
	TenantID          uuid.UUID           `json:"tenant_id"`                     // 租户 ID
	SiteCode          string              `json:"site_code"`                     // 站点编号
	Kind              records.Kind        `json:"kind"`                          // 记录类型
	Trigger           string              `json:"trigger"`                       // 触发方式
	Status            string              `json:"status"`                        // 状态
	TotalFiles        int                 `json:"total_files"`                   // 文件总数
	ProcessedFiles    int                 `json:"processed_files"`               // 已处理文件
	Imported          int                 `json:"imported"`                      // 导入记录数
	Skipped           int                 `json:"skipped"`                       // 跳过记录数
	Failed            int                 `json:"failed"`                        // 失败记录数
	LastProcessedDate *time.Time          `json:"last_processed_date,omitempty"` // 高水位日期
	Errors            []RunError          `json:"errors"`                        // 错误列表
	Note              string              `json:"note,omitempty"`                // 备注
	AffectedMonths    []records.YearMonth `json:"affected_months"`               // 受影响月份
	StartedAt         time.Time           `json:"started_at"`                    // 开始时间
	FinishedAt        *time.Time          `json:"finished_at,omitempty"`         // 结束时间
}

type PowerSampleRow struct { // 功率样本行
	TurbineID      uuid.UUID    // 风机 ID
	TenantID       uuid.UUID    // 租户 ID
	TS             time.Time    // 时间戳
	SourceFileKind records.Kind // 来源类型
	PlantNo        int          // 机组号
	PowerW         *float64     // 有功功率
	WindSpeed      *float64     // 风速
	RotorRPM       *float64     // 转子转速
	GeneratorRPM   *float64     // 发电机转速
	NacelleDeg     *float64     // 机舱方向
	PitchDeg       *float64     // 桨距角
	AmbientTempC   *float64     // 环境温度
	ReactiveVar    *float64     // 无功功率
	FrequencyHz    *float64     // 频率
	VoltageAvg     *float64     // 平均电压
	CurrentAvg     *float64     // 平均电流
	MainStatus     *int         // 主状态
}

type AvailabilityRow struct { // 可利用率行
	TurbineID       uuid.UUID      // 风机 ID
	TenantID        uuid.UUID      // 租户 ID
	PeriodStart     time.Time      // 周期开始
	Period          records.Period // 周期类型
	SourceFileKind  records.Kind   // 来源类型
	PlantNo         int            // 机组号
	T1              float64        // 发电时间
	T2              float64        // 待风时间
	T3              float64        // 计划维护
	T4              float64        // 设备故障
	T5              float64        // 电网原因
	T6              float64        // 其他
	AvailabilityPct *float64       // 可利用率
}

type StatusSummaryRow struct { // 状态汇总行
	TurbineID      uuid.UUID    // 风机 ID
	TenantID       uuid.UUID    // 租户 ID
	PeriodStart    time.Time    // 月份开始
	SourceFileKind records.Kind // 来源类型
	PlantNo        int          // 机组号
	Code           int          // 状态码
	Text           string       // 描述
	Count          int          // 次数
	DurationSec    float64      // 持续秒数
}

type EventRow struct { // 事件行
	TurbineID      uuid.UUID    // 风机 ID
	TenantID       uuid.UUID    // 租户 ID
	TS             time.Time    // 时间戳
	SourceFileKind records.Kind // 来源类型
	PlantNo        int          // 机组号
	MainStatus     *int         // 主状态
	SubStatus      *int         // 子状态
	Code           int          // 事件码, 缺省为 0
	Text           string       // 文本
}

type WindSummaryRow struct { // 风况汇总行
	TurbineID      uuid.UUID       // 风机 ID
	TenantID       uuid.UUID       // 租户 ID
	PeriodStart    time.Time       // 周期开始
	Period         records.Period  // 周期类型
	SourceFileKind records.Kind    // 来源类型
	PlantNo        int             // 机组号
	MeanWindSpeed  *float64        // 平均风速
	MeanPowerW     *float64        // 平均功率
	EnergyKWh      *float64        // 电量
	SampleCount    int             // 样本数
	Peaks          json.RawMessage // 峰值结构
}

const ( // 月度电量来源与审核状态
	ProductionSourceSCADA   = "scada_derived" // SCADA 推导
	ReviewStatusUnconfirmed = "unconfirmed"   // 未确认
)

type MonthlyProduction struct { // 月度电量
	TenantID            uuid.UUID `json:"tenant_id"`             // 租户 ID
	TurbineID           uuid.UUID `json:"turbine_id"`            // 风机 ID
	Year                int       `json:"year"`                  // 年
	Month               int       `json:"month"`                 // 月
	EnergyKWh           float64   `json:"energy_kwh"`            // 电量
	SampleCount         int       `json:"sample_count"`          // 样本数
	ExpectedSampleCount int       `json:"expected_sample_count"` // 期望样本数
	CoveragePct         float64   `json:"coverage_pct"`          // 覆盖率
	Source              string    `json:"source"`                // 来源
	ReviewStatus        string    `json:"review_status"`         // 审核状态
	UpdatedAt           time.Time `json:"updated_at"`            // 更新时间
}

type AnomalyConfig struct { // 异常检测配置
	TenantID           uuid.UUID `json:"tenant_id"`            // 租户 ID
	PerformanceDropPct float64   `json:"performance_drop_pct"` // 性能下降阈值
	AvailabilityPct    float64   `json:"availability_pct"`     // 可利用率阈值
	DowntimeHours      float64   `json:"downtime_hours"`       // 停机小时阈值
	CurveDeviationPct  float64   `json:"curve_deviation_pct"`  // 功率曲线偏差阈值
	DataQualityPct     float64   `json:"data_quality_pct"`     // 数据覆盖阈值
	NotifyCritical     bool      `json:"notify_critical"`      // 严重通知
	NotifyWarning      bool      `json:"notify_warning"`       // 警告通知
}

// DefaultAnomalyConfig applies when a tenant has no stored thresholds.
func DefaultAnomalyConfig(tenantID uuid.UUID) AnomalyConfig {
	return AnomalyConfig{
		TenantID:           tenantID,
		PerformanceDropPct: 15,
		AvailabilityPct:    90,
		DowntimeHours:      24,
		CurveDeviationPct:  10,
		DataQualityPct:     80,
		NotifyCritical:     true,
		NotifyWarning:      true,
	}
}

const ( // 异常类型
	AnomalyPerformanceDrop     = "PERFORMANCE_DROP"      // 性能下降
	AnomalyLowAvailability     = "LOW_AVAILABILITY"      // 可利用率低
	AnomalyEquipmentFailure    = "EQUIPMENT_FAILURE"     // 设备故障
	AnomalyExtendedDowntime    = "EXTENDED_DOWNTIME"     // 长时间停机
	AnomalyPowerCurveDeviation = "POWER_CURVE_DEVIATION" // 功率曲线偏差
	AnomalyDataGap             = "DATA_GAP"              // 数据缺失
	AnomalyDataQuality         = "DATA_QUALITY"          // 数据质量
)

const ( // 严重级别
	SeverityWarning  = "WARNING"  // 警告
	SeverityCritical = "CRITICAL" // 严重
)

type Anomaly struct { // 异常模型
	AnomalyID  uuid.UUID       `json:"anomaly_id"`            // 异常 ID
	TenantID   uuid.UUID       `json:"tenant_id"`             // 租户 ID
	TurbineID  uuid.UUID       `json:"turbine_id"`            // 风机 ID
	Type       string          `json:"type"`                  // 类型
	Severity   string          `json:"severity"`              // 严重级别
	Message    string          `json:"message"`               // 信息
	Details    json.RawMessage `json:"details"`               // 详情
	DetectedAt time.Time       `json:"detected_at"`           // 检测时间
	ResolvedAt *time.Time      `json:"resolved_at,omitempty"` // 解决时间
}

type SiteOutcome struct { // 站点结果
	SiteCode string        `json:"site_code"`         // 站点编号
	Status   string        `json:"status"`            // 状态
	Warning  string        `json:"warning,omitempty"` // 警告
	Kinds    []KindOutcome `json:"kinds,omitempty"`   // 各类型结果
}

type KindOutcome struct { // 类型结果
	Kind     records.Kind `json:"kind"`             // 记录类型
	RunID    *uuid.UUID   `json:"run_id,omitempty"` // 运行 ID
	NewFiles int          `json:"new_files"`        // 新文件数
	Status   string       `json:"status"`           // 状态
	Note     string       `json:"note,omitempty"`   // 备注
}

type AutoImportRun struct { // 自动导入周期
	CycleID       uuid.UUID     `json:"cycle_id"`       // 周期 ID
	TenantID      uuid.UUID     `json:"tenant_id"`      // 租户 ID
	Forced        bool          `json:"forced"`         // 是否强制
	Status        string        `json:"status"`         // 状态
	FilesFound    int           `json:"files_found"`    // 发现文件
	FilesImported int           `json:"files_imported"` // 导入文件
	FilesSkipped  int           `json:"files_skipped"`  // 跳过文件
	Sites         []SiteOutcome `json:"sites"`          // 站点结果
	Summary       string        `json:"summary"`        // 摘要
	StartedAt     time.Time     `json:"started_at"`     // 开始时间
	FinishedAt    time.Time     `json:"finished_at"`    // 结束时间
}

const ( // 审计动作
	AuditImportTriggered      = "import_triggered"       // 触发导入
	AuditImportUploaded       = "import_uploaded"        // 上传导入
	AuditAutoImportTriggered  = "autoimport_triggered"   // 触发自动导入
	AuditAnomalyResolved      = "anomaly_resolved"       // 处理异常
	AuditAnomalyConfigUpdated = "anomaly_config_updated" // 更新阈值
)

type AuditEntry struct { // 审计记录
	OccurredAt time.Time // 发生时间
	TenantID   uuid.UUID // 租户 ID
	Subject    string    // 操作主体
	Action     string    // 动作
	RequestID  string    // 请求 ID
	Method     string    // 方法
	Path       string    // 路径
	StatusCode int       // 状态码
	DurationMS int64     // 耗时
}
