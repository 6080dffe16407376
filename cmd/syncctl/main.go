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

package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
)

var version = "dev"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr, newClient(apiBaseURL())))
}

// run 执行子命令并返回退出码
func run(args []string, stdout, stderr io.Writer, c *client) int {
	if len(args) < 1 {
		printUsage(stdout)
		return 0
	}
	cmd, args := args[0], args[1:]
	switch cmd {
	case "version":
		fmt.Fprintf(stdout, "syncctl %s\n", version)
		return 0
	case "health":
		out, err := c.health()
		if err != nil {
			fmt.Fprintf(stderr, "健康检查失败: %v\n", err)
			return 1
		}
		fmt.Fprintln(stdout, prettyJSON(out))
		return 0
	case "latest":
		if len(args) < 1 {
			fmt.Fprintf(stderr, "Usage: syncctl latest <user_uuid>\n")
			return 1
		}
		out, err := c.latest(args[0])
		if err != nil {
			fmt.Fprintf(stderr, "读取最新快照失败: %v\n", err)
			return 1
		}
		if out == nil {
			fmt.Fprintln(stdout, "no data")
			return 0
		}
		fmt.Fprintln(stdout, prettyJSON(out))
		return 0
	case "history":
		if len(args) < 1 {
			fmt.Fprintf(stderr, "Usage: syncctl history <user_uuid> [limit]\n")
			return 1
		}
		limit := 0
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil || n < 0 {
				fmt.Fprintf(stderr, "limit 必须为非负整数: %s\n", args[1])
				return 1
			}
			limit = n
		}
		list, err := c.history(args[0], limit)
		if err != nil {
			fmt.Fprintf(stderr, "读取历史失败: %v\n", err)
			return 1
		}
		printHistory(stdout, list)
		return 0
	case "show":
		if len(args) < 2 {
			fmt.Fprintf(stderr, "Usage: syncctl show <user_uuid> <snapshot_id>\n")
			return 1
		}
		out, err := c.show(args[0], args[1])
		if err != nil {
			fmt.Fprintf(stderr, "读取快照失败: %v\n", err)
			return 1
		}
		fmt.Fprintln(stdout, prettyJSON(out))
		return 0
	case "restore":
		if len(args) < 2 {
			fmt.Fprintf(stderr, "Usage: syncctl restore <user_uuid> <snapshot_id>\n")
			return 1
		}
		out, err := c.restore(args[0], args[1])
		if err != nil {
			fmt.Fprintf(stderr, "恢复失败: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "restored as %v\n", out["id"])
		return 0
	default:
		printUsage(stderr)
		return 1
	}
}

func printHistory(w io.Writer, list []map[string]interface{}) {
	if len(list) == 0 {
		fmt.Fprintln(w, "no data")
		return
	}
	for _, s := range list {
		pin := ""
		if p, _ := s["pinned"].(bool); p {
			pin = " [pinned]"
		}
		fmt.Fprintf(w, "%v  %v  %v%s\n", s["id"], s["timestamp"], s["save_cause"], pin)
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: syncctl <command> [args]")
	fmt.Fprintln(w, "  version                         - 显示版本")
	fmt.Fprintln(w, "  health                          - 健康检查")
	fmt.Fprintln(w, "  latest <user_uuid>              - 最新快照（缓存优先）")
	fmt.Fprintln(w, "  history <user_uuid> [limit]     - 历史快照，从新到旧")
	fmt.Fprintln(w, "  show <user_uuid> <snapshot_id>  - 查看单个快照")
	fmt.Fprintln(w, "  restore <user_uuid> <snapshot_id> - 将历史快照恢复为最新")
	fmt.Fprintln(w, "环境变量 USERSYNC_API_URL 指定 syncd 地址（默认 http://localhost:8080）")
}
