package discord

import "github.com/marcospaulo/makeitrain/internal/port/notifier"

func init() {
	notifier.Register(providerName, func(config map[string]string) (notifier.Notifier, error) {
		return NewNotifier(config["webhook_url"], config["mention"]), nil
	})
}
