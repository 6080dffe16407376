// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package snapshot

import "strings"

// SaveCause 保存原因；仅用于展示、自动 pin 与留存，不参与正确性判断
type SaveCause string

const (
	CauseDisconnect        SaveCause = "disconnect"
	CauseWorldSave         SaveCause = "world_save"
	CauseWorldChange       SaveCause = "world_change"
	CauseDeath             SaveCause = "death"
	CauseServerShutdown    SaveCause = "server_shutdown"
	CauseInventoryCommand  SaveCause = "inventory_command"
	CauseEnderChestCommand SaveCause = "enderchest_command"
	CauseBackupRestore     SaveCause = "backup_restore"
	CauseAPI               SaveCause = "api"
	CauseLegacyMigration   SaveCause = "legacy_migration"
)

var knownCauses = map[SaveCause]bool{
	CauseDisconnect:        true,
	CauseWorldSave:         true,
	CauseWorldChange:       true,
	CauseDeath:             true,
	CauseServerShutdown:    true,
	CauseInventoryCommand:  true,
	CauseEnderChestCommand: true,
	CauseBackupRestore:     true,
	CauseAPI:               true,
	CauseLegacyMigration:   true,
}

// ParseSaveCause 解析配置/请求中的保存原因（大小写、连字符不敏感）
func ParseSaveCause(s string) (SaveCause, bool) {
	c := SaveCause(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	return c, knownCauses[c]
}

// Valid 是否为已知原因
func (c SaveCause) Valid() bool {
	return knownCauses[c]
}

func (c SaveCause) String() string {
	return string(c)
}

// 常用数据类型键
const (
	KeyInventory      = "inventory"
	KeyEnderChest     = "ender_chest"
	KeyStats          = "stats"
	KeyHealth         = "health"
	KeyHunger         = "hunger"
	KeyExperience     = "experience"
	KeyGameMode       = "game_mode"
	KeyLocation       = "location"
	KeyAdvancements   = "advancements"
	KeyPotionEffects  = "potion_effects"
	KeyPersistentData = "persistent_data"
)
