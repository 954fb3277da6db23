package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"fleet-coordinator/internal/apiserver/dispatcher"
	"fleet-coordinator/internal/apiserver/scenario"
	"fleet-coordinator/internal/shared/model"
)

func (c *cli) requestContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), c.timeout)
}

// ============================================================================
// health / agents / commands / scripts
// ============================================================================

func newHealthCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "协调器健康检查",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := c.requestContext(cmd)
			defer cancel()
			health, err := c.client().Health(ctx)
			if err != nil {
				return err
			}
			return c.printJSON(health)
		},
	}
}

func newAgentsCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{Use: "agents", Short: "查看 Agent"}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "列出全部 Agent",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				ctx, cancel := c.requestContext(cmd)
				defer cancel()
				agents, err := c.client().ListAgents(ctx)
				if err != nil {
					return err
				}
				return c.printJSON(agents)
			},
		},
		&cobra.Command{
			Use:   "get <agent-id>",
			Short: "查看 Agent 详情",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx, cancel := c.requestContext(cmd)
				defer cancel()
				agent, err := c.client().GetAgent(ctx, args[0])
				if err != nil {
					return err
				}
				return c.printJSON(agent)
			},
		},
	)
	return cmd
}

func newCommandsCmd(c *cli) *cobra.Command {
	var args []string
	push := &cobra.Command{
		Use:   "push <agent-id> <kind>",
		Short: "向 Agent 邮箱投递指令（reload_script / update_config / restart / cancel_task / custom）",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, pos []string) error {
			kv, err := parseKeyValues(args)
			if err != nil {
				return err
			}
			ctx, cancel := c.requestContext(cmd)
			defer cancel()
			command, err := c.client().PushCommand(ctx, pos[0], model.CommandKind(pos[1]), kv)
			if err != nil {
				return err
			}
			return c.printJSON(command)
		},
	}
	push.Flags().StringArrayVar(&args, "arg", nil, "指令参数 key=value（可重复）")

	cmd := &cobra.Command{Use: "commands", Short: "Agent 指令邮箱"}
	cmd.AddCommand(push)
	return cmd
}

func newScriptsCmd(c *cli) *cobra.Command {
	upload := &cobra.Command{
		Use:   "upload <file> [name]",
		Short: "上传脚本到对象存储",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := filepath.Base(args[0])
			if len(args) == 2 {
				name = args[1]
			}
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			info, err := f.Stat()
			if err != nil {
				return err
			}

			ctx, cancel := c.requestContext(cmd)
			defer cancel()
			if err := c.client().UploadScript(ctx, name, f, info.Size()); err != nil {
				return err
			}
			fmt.Fprintf(c.out, "uploaded %s (%d bytes)\n", name, info.Size())
			return nil
		},
	}

	cmd := &cobra.Command{Use: "scripts", Short: "脚本对象存储"}
	cmd.AddCommand(upload)
	return cmd
}

// ============================================================================
// tasks
// ============================================================================

// payloadFlags 构造任务负载的参数
type payloadFlags struct {
	taskType    string
	destination string
	content     string
	group       string
	script      string
	scriptArgs  []string
	seconds     int
}

func (f *payloadFlags) build() (model.Payload, error) {
	switch model.TaskType(f.taskType) {
	case model.TaskTypeSendMessage:
		if f.destination == "" {
			return model.Payload{}, fmt.Errorf("--destination is required for send_message")
		}
		return model.NewSendMessage(f.destination, f.content), nil
	case model.TaskTypeJoinGroup:
		if f.group == "" {
			return model.Payload{}, fmt.Errorf("--group is required for join_group")
		}
		return model.NewJoinGroup(f.group), nil
	case model.TaskTypeLeaveGroup:
		if f.group == "" {
			return model.Payload{}, fmt.Errorf("--group is required for leave_group")
		}
		return model.NewLeaveGroup(f.group), nil
	case model.TaskTypeRunScript:
		if f.script == "" {
			return model.Payload{}, fmt.Errorf("--script is required for run_script")
		}
		args, err := parseKeyValues(f.scriptArgs)
		if err != nil {
			return model.Payload{}, err
		}
		return model.NewRunScript(f.script, args), nil
	case model.TaskTypeWait:
		if f.seconds < 0 {
			return model.Payload{}, fmt.Errorf("--seconds must not be negative")
		}
		return model.NewWait(f.seconds), nil
	default:
		return model.Payload{}, fmt.Errorf("unknown task type %q", f.taskType)
	}
}

func newTasksCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{Use: "tasks", Short: "任务管理"}

	var (
		pf       payloadFlags
		agentID  string
		role     string
		labels   []string
		priority int
	)
	submit := &cobra.Command{
		Use:   "submit",
		Short: "提交任务",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			payload, err := pf.build()
			if err != nil {
				return err
			}
			lm, err := parseKeyValues(labels)
			if err != nil {
				return err
			}
			req := &dispatcher.SubmitRequest{Payload: payload, TargetAgentID: agentID, Role: role, Labels: lm}
			if cmd.Flags().Changed("priority") {
				req.Priority = &priority
			}

			ctx, cancel := c.requestContext(cmd)
			defer cancel()
			task, err := c.client().SubmitTask(ctx, req)
			if err != nil {
				return err
			}
			return c.printJSON(task)
		},
	}
	submit.Flags().StringVar(&pf.taskType, "type", string(model.TaskTypeSendMessage), "任务类型")
	submit.Flags().StringVar(&pf.destination, "destination", "", "send_message 目标")
	submit.Flags().StringVar(&pf.content, "content", "", "send_message 内容")
	submit.Flags().StringVar(&pf.group, "group", "", "join_group / leave_group 群组")
	submit.Flags().StringVar(&pf.script, "script", "", "run_script 脚本名")
	submit.Flags().StringArrayVar(&pf.scriptArgs, "script-arg", nil, "run_script 参数 key=value（可重复）")
	submit.Flags().IntVar(&pf.seconds, "seconds", 0, "wait 秒数")
	submit.Flags().StringVar(&agentID, "agent", "", "指定执行的 Agent")
	submit.Flags().StringVar(&role, "role", "", "角色亲和")
	submit.Flags().StringArrayVar(&labels, "label", nil, "标签要求 key=value（可重复）")
	submit.Flags().IntVar(&priority, "priority", model.DefaultTaskPriority, "优先级（越大越先调度）")

	var filter model.TaskFilter
	var status string
	list := &cobra.Command{
		Use:   "list",
		Short: "列出任务",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter.Status = model.TaskStatus(status)
			ctx, cancel := c.requestContext(cmd)
			defer cancel()
			tasks, err := c.client().ListTasks(ctx, filter)
			if err != nil {
				return err
			}
			return c.printJSON(tasks)
		},
	}
	list.Flags().StringVar(&status, "status", "", "按状态过滤")
	list.Flags().StringVar(&filter.AgentID, "agent", "", "按 Agent 过滤")
	list.Flags().StringVar(&filter.ExecutionID, "execution", "", "按执行过滤")
	list.Flags().IntVar(&filter.Limit, "limit", 0, "最多返回条数")
	list.Flags().IntVar(&filter.Offset, "offset", 0, "跳过条数")

	get := &cobra.Command{
		Use:   "get <task-id>",
		Short: "查看任务",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := c.requestContext(cmd)
			defer cancel()
			task, err := c.client().GetTask(ctx, args[0])
			if err != nil {
				return err
			}
			return c.printJSON(task)
		},
	}

	cancelCmd := &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "取消任务",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := c.requestContext(cmd)
			defer cancel()
			task, err := c.client().CancelTask(ctx, args[0])
			if err != nil {
				return err
			}
			return c.printJSON(task)
		},
	}

	tick := &cobra.Command{
		Use:   "tick",
		Short: "立即执行一次调度",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := c.requestContext(cmd)
			defer cancel()
			res, err := c.client().DispatchTick(ctx)
			if err != nil {
				return err
			}
			return c.printJSON(res)
		},
	}

	cmd.AddCommand(submit, list, get, cancelCmd, tick)
	return cmd
}

// ============================================================================
// scenarios / executions
// ============================================================================

// loadScenarioFile 读取 YAML 或 JSON 场景定义
func loadScenarioFile(path string) (*scenario.ScenarioRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	// YAML 是 JSON 的超集：先解析为通用结构，再按 JSON 字段名映射
	var raw interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	var req scenario.ScenarioRequest
	if err := json.Unmarshal(b, &req); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &req, nil
}

func newScenariosCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{Use: "scenarios", Short: "场景管理"}

	var file string
	create := &cobra.Command{
		Use:   "create",
		Short: "从 YAML / JSON 文件创建场景",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := loadScenarioFile(file)
			if err != nil {
				return err
			}
			ctx, cancel := c.requestContext(cmd)
			defer cancel()
			sc, err := c.client().CreateScenario(ctx, req)
			if err != nil {
				return err
			}
			return c.printJSON(sc)
		},
	}
	create.Flags().StringVarP(&file, "file", "f", "", "场景定义文件")
	_ = create.MarkFlagRequired("file")

	list := &cobra.Command{
		Use:   "list",
		Short: "列出场景",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := c.requestContext(cmd)
			defer cancel()
			scenarios, err := c.client().ListScenarios(ctx)
			if err != nil {
				return err
			}
			return c.printJSON(scenarios)
		},
	}

	toggle := func(use string, enabled bool) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <scenario-id>",
			Short: use + " 场景",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx, cancel := c.requestContext(cmd)
				defer cancel()
				sc, err := c.client().SetScenarioEnabled(ctx, args[0], enabled)
				if err != nil {
					return err
				}
				return c.printJSON(sc)
			},
		}
	}

	cmd.AddCommand(create, list, toggle("enable", true), toggle("disable", false))
	return cmd
}

func newExecutionsCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{Use: "executions", Short: "场景执行"}

	var (
		target    string
		roles     []string
		variables []string
	)
	start := &cobra.Command{
		Use:   "start <scenario-id>",
		Short: "启动场景执行",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			roleMap, err := parseKeyValues(roles)
			if err != nil {
				return err
			}
			vars, err := parseKeyValues(variables)
			if err != nil {
				return err
			}
			ctx, cancel := c.requestContext(cmd)
			defer cancel()
			exec, err := c.client().StartExecution(ctx, &scenario.StartRequest{
				ScenarioID: args[0],
				Target:     target,
				RoleMap:    roleMap,
				Variables:  vars,
			})
			if err != nil {
				return err
			}
			return c.printJSON(exec)
		},
	}
	start.Flags().StringVar(&target, "target", "", "执行目标（如群组 ID）")
	start.Flags().StringArrayVar(&roles, "role", nil, "角色映射 role=agent-id（可重复）")
	start.Flags().StringArrayVar(&variables, "var", nil, "模板变量 key=value（可重复）")
	_ = start.MarkFlagRequired("target")

	var status string
	list := &cobra.Command{
		Use:   "list",
		Short: "列出执行",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := c.requestContext(cmd)
			defer cancel()
			execs, err := c.client().ListExecutions(ctx, model.ExecutionStatus(status))
			if err != nil {
				return err
			}
			return c.printJSON(execs)
		},
	}
	list.Flags().StringVar(&status, "status", "", "按状态过滤")

	get := &cobra.Command{
		Use:   "get <execution-id>",
		Short: "查看执行",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := c.requestContext(cmd)
			defer cancel()
			exec, err := c.client().GetExecution(ctx, args[0])
			if err != nil {
				return err
			}
			return c.printJSON(exec)
		},
	}

	cancelCmd := &cobra.Command{
		Use:   "cancel <execution-id>",
		Short: "取消执行",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := c.requestContext(cmd)
			defer cancel()
			exec, err := c.client().CancelExecution(ctx, args[0])
			if err != nil {
				return err
			}
			return c.printJSON(exec)
		},
	}

	cmd.AddCommand(start, list, get, cancelCmd)
	return cmd
}

// parseKeyValues 解析 key=value 列表
func parseKeyValues(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid key=value pair %q", p)
		}
		out[k] = v
	}
	return out, nil
}
