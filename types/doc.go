// Copyright (c) Roundtable Authors.
// Licensed under the MIT License.

/*
Package types 提供 Roundtable 的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 orchestrator、governor、
retry、prompt、llm 等上层模块提供统一的类型契约。所有跨包共享的结构体、
枚举和错误码均定义于此，以避免循环依赖。

# 核心类型

  - Agent             — 会话中一个独立配置的智能体（角色、温度、系统指令、模型）
  - Role              — Agent 角色：chatter（随机顺序发言）/ moderator（收尾总结）
  - SilenceMode       — 沉默协议模式（standard / always_speak / conservative / agreeable）
  - Message           — 会话消息（发送者标签、原文、是否用户消息、产出 Agent）
  - ConversationState — 会话状态（消息序列、滚动摘要、摘要计数器）
  - TurnResult        — 单轮处理结果（新增消息、沉默记录、是否触发摘要/标题）
  - Error / ErrorCode — 结构化错误体系，含 Retryable 与 RetryAfter 标记

# 主要能力

  - 错误工具链：AsError / IsCode / IsRetryable / RetryAfterOf
  - 常用错误构造：NewRateLimitedError / NewDailyQuotaError / NewBlockedError
*/
package types
