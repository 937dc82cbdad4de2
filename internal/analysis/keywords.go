package analysis

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// CommandKeywords 攻击脚本中常见的系统/Shell 命令和参数
// 网络、进程、注册表、远程执行、PowerShell 绕过
var CommandKeywords = []string{
	"net", "tasklist", "taskkill", "reg", "wmic", "schtasks", "sc", "at",
	"rundll32", "del", "copy", "attrib", "netsh", "certutil", "cmd",
	"powershell", "powershell.exe", "ping", "tracert", "nslookup",
	"net use", "net session", "net view", "net user", "whoami", "ipconfig",
	"shutdown", "diskpart", "reg query", "reg add", "reg delete", "regedit",
	"curl", "wget",
	// PowerShell 常见恶意参数
	"-nop", "-noni", "-enc", "iex", ".downloadstring", "downloadfile",
	"reflection.assembly", "webclient", "invoke-webrequest",
	"reagentc", "recover", "mpcmdrun -scan -scantype 2", "whoami /groups",
	"qprocess", "query", "net start", "net group", "net config", "net share",
	"dsquery", "csvde", "wusa",
	"psexec", "wmiexec", "smbexec", "mshta", "ssh", "scp",
	"invoke-command", "get-aduser", "get-adgroup", "get-credential",
	"invoke-expression", "set-executionpolicy",
}

var keywordPatterns = compileKeywords(CommandKeywords)

func compileKeywords(words []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(words))
	for _, w := range words {
		out = append(out, regexp.MustCompile(`(?i)\b`+regexp.QuoteMeta(w)+`\b`))
	}
	return out
}

// KeywordCount 整词匹配次数 (每个关键词分别计数)
func KeywordCount(text string) int {
	count := 0
	for _, re := range keywordPatterns {
		count += len(re.FindAllStringIndex(text, -1))
	}
	return count
}

// keywordRate 匹配次数 / 非空格字符数
func keywordRate(text string) float64 {
	chars := utf8.RuneCountInString(strings.ReplaceAll(text, " ", ""))
	return float64(KeywordCount(text)) / float64(max(1, chars))
}
