// Copyright (c) Roundtable Authors.
// Licensed under the MIT License.

// Package config 提供 Roundtable 的配置管理功能。
//
// 包含上游 API、速率配额、重试策略、回合编排、日志与指标的
// 配置加载。支持从 YAML 文件和环境变量加载，
// 优先级为 默认值 → YAML 文件 → 环境变量。
package config
