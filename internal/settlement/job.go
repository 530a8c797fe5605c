package settlement

import (
	"encoding/json"

	xerrors "AgentCustody/internal/errors"
)

// Job 是一次费用划转作业。费用归集在发布作业之前已经完成，消费方
// 只负责把挂账总额划转给费用接收方。
type Job struct {
	ID             string `json:"id"`
	Asset          string `json:"asset"`
	Accounts       int    `json:"accounts"`
	ManagementFee  string `json:"management_fee"`
	PerformanceFee string `json:"performance_fee"`
	RequestedAt    int64  `json:"requested_at"`
}

// Encode 将作业序列化为队列负载。
func (j Job) Encode() (string, error) {
	raw, err := json.Marshal(j)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeQueueFailure, err, "编码结算作业失败")
	}
	return string(raw), nil
}

// DecodeJob 从队列负载还原作业。
func DecodeJob(payload string) (Job, error) {
	var job Job
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		return Job{}, xerrors.Wrap(xerrors.CodeQueueFailure, err, "解码结算作业失败")
	}
	if job.Asset == "" {
		return Job{}, xerrors.New(xerrors.CodeInvalidArgument, "结算作业缺少资产标识")
	}
	return job, nil
}
