package bot

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/bili2mp4/bili2mp4/internal/chat"
)

const helpText = "管理员指令：\n" +
	"• fhelp\n" +
	"  返回本帮助列表\n" +
	"• 转换<群号>\n" +
	"  在指定群开启 B 站视频自动转换。例如：转换123456\n" +
	"• 停止转换<群号>\n" +
	"  在指定群关闭自动转换。例如：停止转换123456\n" +
	"• 设置B站COOKIE <cookie内容>\n" +
	"  设置下载用的 B 站 Cookie，例如：设置B站COOKIE SESSDATA=...; bili_jct=...; buvid3=...\n" +
	"• 清除B站COOKIE / 删除B站COOKIE\n" +
	"  清除已设置的 Cookie\n" +
	"• 设置清晰度 <数字> 或 <数字>p\n" +
	"  限制最大分辨率（高度），0 表示不限制。例如：设置清晰度 720 或 1080p\n" +
	"• 设置最大大小 <数字> 或 <数字>MB/m\n" +
	"  限制最终视频大小（MB），0 表示不限制。例如：设置最大大小 45MB\n" +
	"• 查看转换列表 / 查看列表\n" +
	"  查看当前已开启自动转换的群\n" +
	"• 查看参数 / 状态\n" +
	"  查看当前参数（清晰度、大小上限、Cookie 是否设置、启用群数量）"

var (
	// \p{Nd} so IME full-width digits such as １２３ are accepted.
	enableRe    = regexp.MustCompile(`^转换(\p{Nd}+)$`)
	disableRe   = regexp.MustCompile(`^停止转换(\p{Nd}+)$`)
	setCookieRe = regexp.MustCompile(`(?s)^设置B站COOKIE\s+(.+)$`)
	setHeightRe = regexp.MustCompile(`(?i)^设置清晰度\s*(\p{Nd}+)\s*p?$`)
	setMaxMBRe  = regexp.MustCompile(`(?i)^设置最大大小\s*(\p{Nd}+)\s*(?:mb|m)?$`)

	clearCookieCmds = map[string]bool{"清除B站COOKIE": true, "删除B站COOKIE": true}
	listCmds        = map[string]bool{"查看转换列表": true, "查看列表": true}
	paramsCmds      = map[string]bool{"查看参数": true, "状态": true}
)

func (b *Bot) handlePrivateMessage(ctx context.Context, msg *chat.Message) {
	if !b.admins[msg.UserID] {
		return
	}

	text := strings.TrimSpace(msg.PlainText())
	reply, ok := b.runCommand(ctx, text)
	if !ok {
		return
	}
	if err := b.client.SendText(ctx, msg, reply); err != nil {
		b.logger.Error().Err(err).Int64("user", msg.UserID).Msg("failed to send command reply")
	}
}

// runCommand applies an admin command and returns its reply. ok is false
// when text is not a command.
func (b *Bot) runCommand(ctx context.Context, text string) (reply string, ok bool) {
	if strings.ToLower(text) == "fhelp" {
		return helpText, true
	}

	if m := enableRe.FindStringSubmatch(text); m != nil {
		gid, err := strconv.ParseInt(asciiDigits(m[1]), 10, 64)
		if err != nil {
			return "", false
		}
		if err := b.state.EnableGroup(ctx, gid); err != nil {
			return saveFailed(err), true
		}
		return fmt.Sprintf("✅ 已开启群 %d 的B站视频转换", gid), true
	}

	if m := disableRe.FindStringSubmatch(text); m != nil {
		gid, err := strconv.ParseInt(asciiDigits(m[1]), 10, 64)
		if err != nil {
			return "", false
		}
		removed, err := b.state.DisableGroup(ctx, gid)
		if err != nil {
			return saveFailed(err), true
		}
		if !removed {
			return fmt.Sprintf("ℹ️ 群 %d 未开启转换", gid), true
		}
		return fmt.Sprintf("🛑 已停止群 %d 的B站视频转换", gid), true
	}

	if m := setCookieRe.FindStringSubmatch(text); m != nil {
		if err := b.state.SetCookie(ctx, strings.TrimSpace(m[1])); err != nil {
			return saveFailed(err), true
		}
		return "✅ 已设置B站 Cookie", true
	}

	if clearCookieCmds[text] {
		if err := b.state.SetCookie(ctx, ""); err != nil {
			return saveFailed(err), true
		}
		return "🧹 已清除B站 Cookie", true
	}

	if m := setHeightRe.FindStringSubmatch(text); m != nil {
		h, err := strconv.Atoi(asciiDigits(m[1]))
		if err != nil {
			return "", false
		}
		if err := b.state.SetMaxHeight(ctx, h); err != nil {
			return saveFailed(err), true
		}
		if h == 0 {
			return "⏱ 清晰度已设置为 不限制", true
		}
		return fmt.Sprintf("⏱ 清晰度已设置为 <= %dp", h), true
	}

	if m := setMaxMBRe.FindStringSubmatch(text); m != nil {
		mb, err := strconv.Atoi(asciiDigits(m[1]))
		if err != nil {
			return "", false
		}
		if err := b.state.SetMaxFileSizeMB(ctx, mb); err != nil {
			return saveFailed(err), true
		}
		if mb == 0 {
			return "📦 文件大小限制为 不限制", true
		}
		return fmt.Sprintf("📦 文件大小限制为 <= %dMB", mb), true
	}

	if listCmds[text] {
		groups := b.state.Groups()
		if len(groups) == 0 {
			return "暂无开启转换的群", true
		}
		ids := make([]string, len(groups))
		for i, g := range groups {
			ids[i] = strconv.FormatInt(g, 10)
		}
		return "当前已开启转换的群：" + strings.Join(ids, ", "), true
	}

	if paramsCmds[text] {
		return b.paramsReply(), true
	}

	return "", false
}

func (b *Bot) paramsReply() string {
	l := b.state.Limits()
	height := "不限"
	if l.MaxHeight > 0 {
		height = strconv.Itoa(l.MaxHeight)
	}
	size := "不限"
	if l.MaxFileSizeMB > 0 {
		size = strconv.Itoa(l.MaxFileSizeMB) + "MB"
	}
	cookie := "未设置"
	if l.Cookie != "" {
		cookie = "已设置"
	}
	return fmt.Sprintf("参数：清晰度<= %s；大小<= %s；Cookie=%s；启用群数=%d", height, size, cookie, l.GroupCount)
}

func saveFailed(err error) string {
	return "⚠️ 保存设置失败：" + err.Error()
}

// asciiDigits maps every decimal digit rune to its ASCII form. Unicode lays
// decimal digits out in runs that start at a zero, so the value is the offset
// into the run.
func asciiDigits(s string) string {
	return strings.Map(func(r rune) rune {
		if r <= '9' || !unicode.IsDigit(r) {
			return r
		}
		start := r
		for unicode.IsDigit(start - 1) {
			start--
		}
		return '0' + (r-start)%10
	}, s)
}
