package repos // 仓储包

import ( // 依赖导入
	"context" // 上下文处理
	"errors"  // 哨兵错误
	"fmt"     // SQL 片段拼接

	"github.com/jackc/pgx/v5"        // pgx 接口
	"github.com/jackc/pgx/v5/pgconn" // 连接命令结果
)

type DBTX interface { // 数据库事务/连接抽象
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error) // 执行语句
	Query(context.Context, string, ...any) (pgx.Rows, error)         // 查询多行
	QueryRow(context.Context, string, ...any) pgx.Row                // 查询单行
}

var ( // 仓储错误
	ErrRunNotFound     = errors.New("import run not found") // 运行不存在
	ErrAnomalyNotFound = errors.New("anomaly not found")    // 异常不存在
	ErrTenantNotFound  = errors.New("tenant not found")     // 租户不存在
)

// valid renders a predicate that is true when col holds a usable reading.
func valid(col string) string { // 有效值判定
	return fmt.Sprintf("(%[1]s IS NOT NULL AND %[1]s NOT IN ('NaN'::float8, 'Infinity'::float8, '-Infinity'::float8, -32768, -32767, 32767, 65535))", col)
}

// invalidCount counts the unusable readings of col in a grouped query.
func invalidCount(col string) string { // 无效值计数
	return fmt.Sprintf("COUNT(*) FILTER (WHERE NOT %s)", valid(col))
}
