// Copyright (c) Roundtable Authors.
// Licensed under the MIT License.

/*
Package main 提供 Roundtable 命令行程序入口。

# 概述

cmd/roundtable 是多 Agent 群聊编排器的可执行入口。程序从 YAML 配置
加载 Agent 名单、速率配额与重试策略，在交互式会话中逐回合调度
chatter 与 moderator，并将回复打印到终端。

# 主要能力

  - 子命令：chat（交互式会话）、version、help
  - 配置加载：YAML 文件 + 环境变量覆盖（前缀 ROUNDTABLE）
  - 结构化日志：zap，支持 json/console 两种格式
  - Metrics 服务器：可选独立端口暴露 /metrics（Prometheus）
  - 优雅关闭：信号监听 → 等待后台摘要/标题任务 → 关闭 Metrics
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
