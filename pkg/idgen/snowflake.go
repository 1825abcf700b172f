package idgen

import (
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
)

// ============================================================================
// 业务单号生成
// ============================================================================
//
// 交易号要求：
//   1. 全局唯一 - 网关回调靠它找到支付流水，也是回调幂等的键
//   2. 趋势递增 - 便于数据库索引
//   3. 多实例部署 - 每个实例配置不同的 node（server.worker_id）
//
// 格式：前缀 + 年月日时分秒(UTC) + 完整雪花ID
// 例如：TXN20260115143052_1745328192837462016 （不含下划线）
//
// ============================================================================

var (
	mu   sync.Mutex
	node *snowflake.Node
)

// Init 初始化默认节点，重复调用以最后一次为准
func Init(workerID int64) error {
	n, err := snowflake.NewNode(workerID)
	if err != nil {
		return fmt.Errorf("初始化雪花节点失败: %w", err)
	}
	mu.Lock()
	node = n
	mu.Unlock()
	return nil
}

// NextID 生成下一个ID，未初始化时使用 node 1
func NextID() int64 {
	mu.Lock()
	if node == nil {
		node, _ = snowflake.NewNode(1)
	}
	n := node
	mu.Unlock()
	return n.Generate().Int64()
}

func generate(prefix string) string {
	id := NextID()
	timestamp := time.Now().UTC().Format("20060102150405")
	return fmt.Sprintf("%s%s%d", prefix, timestamp, id)
}

// GenerateTransactionID 生成支付交易号
func GenerateTransactionID() string {
	return generate("TXN")
}

// GenerateEventKey 生成消息唯一键
func GenerateEventKey() string {
	return generate("EVT")
}
