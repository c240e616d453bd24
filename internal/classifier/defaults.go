package classifier

// DefaultSignatures lists the social and search crawlers served preview
// documents out of the box.
var DefaultSignatures = []string{
	"facebookexternalhit",
	"facebot",
	"twitterbot",
	"linkedinbot",
	"whatsapp",
	"slackbot",
	"telegrambot",
	"discordbot",
	"pinterest",
	"googlebot",
	"bingbot",
	"yandex",
	"baiduspider",
	"duckduckbot",
}

// DefaultBypass lists assets and API prefixes that are never intercepted.
var DefaultBypass = []string{
	"/api/",
	"/static/",
	"/content/",
	"/favicon",
	"/manifest",
	"/robots.txt",
	"/sitemap",
	"/_next/",
	".js",
	".css",
	".png",
	".jpg",
	".jpeg",
	".gif",
	".svg",
	".ico",
	".woff",
	".woff2",
	".ttf",
	".xml",
	".json",
	".map",
	".webp",
}

// DefaultNonArticle lists application routes that carry their own static meta tags.
var DefaultNonArticle = []string{
	"/about",
	"/contact",
	"/signup",
	"/login",
	"/account",
	"/membership",
	"/welcome",
	"/archive",
	"/terms",
	"/privacy",
	"/dashboard",
	"/state-of-play",
	"/the-left-field",
	"/left-field",
	"/the-outfield",
	"/outfield",
}
