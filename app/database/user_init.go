package database

import (
	"fmt"
	"remove-anything/app/config"
	"remove-anything/app/logger"
	"remove-anything/app/model"
	"remove-anything/app/utils"
)

// InitAdminUser 初始化管理员账户
func InitAdminUser(cfg *config.Config, log *logger.Logger) error {
	// 未配置管理员账户时跳过初始化，服务仍可匿名使用
	if cfg.Server.Username == "" || cfg.Server.Password == "" {
		log.Info("未配置管理员账户，跳过初始化")
		return nil
	}

	// 查找是否已存在管理员用户
	var admin model.User
	result := DB.Where("is_admin = ?", true).First(&admin)
	if result.Error == nil {
		// 管理员已存在，确保密码与配置一致
		if !utils.VerifyPassword(cfg.Server.Password, admin.Password) {
			hashed, err := utils.HashPassword(cfg.Server.Password)
			if err != nil {
				return fmt.Errorf("哈希密码失败: %v", err)
			}
			admin.Password = hashed
			if err := DB.Save(&admin).Error; err != nil {
				return fmt.Errorf("更新管理员账户失败: %v", err)
			}
			log.Infof("管理员 '%s' 密码已更新", admin.Username)
		}
		return nil
	}

	// 不存在管理员用户，创建新的管理员用户
	hashed, err := utils.HashPassword(cfg.Server.Password)
	if err != nil {
		return fmt.Errorf("哈希密码失败: %v", err)
	}

	admin = model.User{
		Username: cfg.Server.Username,
		Password: hashed,
		Email:    "admin@remove-anything.com",
		IsActive: true,
		IsAdmin:  true,
	}

	if err := DB.Create(&admin).Error; err != nil {
		return fmt.Errorf("创建管理员账户失败: %v", err)
	}

	log.Infof("管理员账户 '%s' 创建成功", cfg.Server.Username)
	return nil
}
