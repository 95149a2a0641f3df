package runtime

import (
	"fmt"
	"log/slog"

	"newtonchat/pkg/bot"
	"newtonchat/pkg/bot/dialog"
	"newtonchat/pkg/bot/llm"
	"newtonchat/pkg/config"
	"newtonchat/pkg/provider"
	"newtonchat/pkg/state"
	"newtonchat/pkg/workspace"
)

// Built-in bot modes.
const (
	ModeNewton  = "newton"
	ModeDitto   = "ditto"
	ModeChatGPT = "chatgpt"
)

// Loaders registers the built-in modes. The subject index and the data root
// are resolved once and shared by every newton instance. generator may be nil;
// LLM instances then answer with an error message.
func Loaders(cfg *config.Config, generator provider.Generator) (*bot.Loaders, error) {
	tree, err := dialog.LoadTreeFile(cfg.Chat.SubjectsFile)
	if err != nil {
		return nil, err
	}
	search, err := state.NewSubjectSearch(tree)
	if err != nil {
		return nil, err
	}
	guard, err := workspace.NewGuard(cfg.Chat.DataRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve data root: %w", err)
	}

	newton := func() *dialog.Bot {
		return dialog.New(dialog.EntrySubject,
			dialog.WithEntry(dialog.EntrySubject, dialog.SubjectEntry(search)),
			dialog.WithEntry(dialog.EntryLoadFile, dialog.LoadFileEntry(guard)),
			dialog.WithEntry(dialog.EntryDitto, dialog.DittoEntry()),
		)
	}
	ditto := func() *dialog.Bot {
		return dialog.New(dialog.EntryDitto,
			dialog.WithEntry(dialog.EntryDitto, dialog.DittoEntry()),
			dialog.WithGreeting(dialog.DittoGreeting),
		)
	}
	chatgpt := func() *llm.Bot {
		return llm.New(generator, llm.WithModel(cfg.Providers.Model))
	}

	slog.Default().With("component", "runtime.loaders").Debug("bot modes registered", "subjects", search.Documents(), "data_root", guard.Root())

	return bot.NewLoaders(
		bot.Loader{Mode: ModeNewton, Schema: newton().ConfigSchema(), New: func() (bot.Bot, error) { return newton(), nil }},
		bot.Loader{Mode: ModeDitto, Schema: ditto().ConfigSchema(), New: func() (bot.Bot, error) { return ditto(), nil }},
		bot.Loader{Mode: ModeChatGPT, Schema: llm.Schema(cfg.Providers.Model), New: func() (bot.Bot, error) { return chatgpt(), nil }},
	), nil
}
