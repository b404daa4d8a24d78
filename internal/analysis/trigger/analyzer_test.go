package trigger

import "testing"

func TestIsToMeByNickname(t *testing.T) {
	decision := IsToMe("真寻今天吃什么", []string{"", "真寻"}, false)
	if !decision.ToMe || decision.Reason != Nickname || decision.Nickname != "真寻" {
		t.Fatalf("expected nickname trigger, got %+v", decision)
	}
}

func TestIsToMeDirected(t *testing.T) {
	decision := IsToMe("在吗", []string{"真寻"}, true)
	if !decision.ToMe || decision.Reason != Direct {
		t.Fatalf("expected direct trigger, got %+v", decision)
	}
}

func TestIsToMeIgnoresOthers(t *testing.T) {
	if decision := IsToMe("大家好", []string{"真寻"}, false); decision.ToMe {
		t.Fatalf("unexpected trigger: %+v", decision)
	}
}

func TestParseCommand(t *testing.T) {
	cases := []struct {
		text string
		want Command
	}{
		{"生成图片 一只猫", Command{Kind: GenerateImage, Arg: "一只猫"}},
		{"生成视频海边日落", Command{Kind: GenerateVideo, Arg: "海边日落"}},
		{"生成图片", Command{Kind: GenerateImage}},
		{"清理我的会话", Command{Kind: ClearMine}},
		{" 清理全部会话 ", Command{Kind: ClearAll}},
		{"清理群会话", Command{Kind: ClearGroup}},
		{"启用伪人模式", Command{Kind: ToggleAmbient, Enable: true}},
		{"禁用伪人模式 123456", Command{Kind: ToggleAmbient, Arg: "123456"}},
		{"禁用伪人模式abc", Command{}},
		{"你好", Command{}},
	}

	for _, tc := range cases {
		if got := ParseCommand(tc.text); got != tc.want {
			t.Fatalf("ParseCommand(%q) = %+v, want %+v", tc.text, got, tc.want)
		}
	}
}
